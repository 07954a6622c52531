package textutil

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const minTokenRunes = 3

// Vector is a weighted bag of terms.
type Vector struct {
	weights map[string]float64
	norm    float64
}

// Tokenize splits text on anything that is not a letter or digit and returns
// the case-folded terms of at least three runes.
func Tokenize(text string) []string {
	fold := cases.Fold()
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if utf8.RuneCountInString(field) < minTokenRunes {
			continue
		}
		terms = append(terms, fold.String(field))
	}
	return terms
}

// NewVector counts the terms of text. It returns nil when text has none.
func NewVector(text string) *Vector {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return nil
	}
	weights := make(map[string]float64, len(terms))
	for _, term := range terms {
		weights[term]++
	}
	return newVector(weights)
}

func newVector(weights map[string]float64) *Vector {
	var sum float64
	for _, w := range weights {
		sum += w * w
	}
	return &Vector{weights: weights, norm: math.Sqrt(sum)}
}

// Len returns the number of distinct terms.
func (v *Vector) Len() int {
	if v == nil {
		return 0
	}
	return len(v.weights)
}

// Weighted returns a copy with each term multiplied by its idf weight.
// Terms missing from idf keep their weight; terms weighted to zero are
// dropped. The result is nil when nothing remains.
func (v *Vector) Weighted(idf map[string]float64) *Vector {
	if v == nil || len(idf) == 0 {
		return v
	}
	weights := make(map[string]float64, len(v.weights))
	for term, w := range v.weights {
		if factor, ok := idf[term]; ok {
			w *= factor
		}
		if w != 0 {
			weights[term] = w
		}
	}
	if len(weights) == 0 {
		return nil
	}
	return newVector(weights)
}

// Top returns up to n terms ordered by descending weight, ties broken
// alphabetically.
func (v *Vector) Top(n int) []string {
	if v == nil || n <= 0 {
		return nil
	}
	terms := make([]string, 0, len(v.weights))
	for term := range v.weights {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		wi, wj := v.weights[terms[i]], v.weights[terms[j]]
		if wi != wj {
			return wi > wj
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty.
func Cosine(a, b *Vector) float64 {
	if a == nil || b == nil || a.norm == 0 || b.norm == 0 {
		return 0
	}
	if len(b.weights) < len(a.weights) {
		a, b = b, a
	}
	var dot float64
	for term, w := range a.weights {
		dot += w * b.weights[term]
	}
	if dot == 0 {
		return 0
	}
	return dot / (a.norm * b.norm)
}

// Corpus tracks how many vectors contain each term.
type Corpus struct {
	docs int
	freq map[string]int
}

// NewCorpus returns an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{freq: make(map[string]int)}
}

// Add counts the distinct terms of v once.
func (c *Corpus) Add(v *Vector) {
	if c == nil || v == nil {
		return
	}
	c.docs++
	for term := range v.weights {
		c.freq[term]++
	}
}

// IDF returns smoothed inverse document frequencies, log((N+1)/(1+df)).
func (c *Corpus) IDF() map[string]float64 {
	if c == nil || c.docs == 0 {
		return nil
	}
	n := float64(c.docs)
	idf := make(map[string]float64, len(c.freq))
	for term, df := range c.freq {
		idf[term] = math.Log((n + 1) / (1 + float64(df)))
	}
	return idf
}
