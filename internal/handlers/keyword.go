package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"docflow/internal/blob"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

const (
	keywordArtifact = "keywords.json"
	maxKeywordTerms = 200
	minTermLength   = 3
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"all": {}, "any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {},
	"our": {}, "out": {}, "has": {}, "his": {}, "how": {}, "its": {}, "who": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "they": {}, "will": {},
	"were": {}, "been": {}, "their": {}, "which": {}, "there": {}, "into": {},
}

// TermCount is one entry of a keyword index.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// KeywordIndex is the artifact written by the index_a stage.
type KeywordIndex struct {
	DocumentID  string      `json:"document_id"`
	SourceHash  string      `json:"source_sha256,omitempty"`
	TotalTerms  int         `json:"total_terms"`
	UniqueTerms int         `json:"unique_terms"`
	Terms       []TermCount `json:"terms"`
}

// KeywordIndexer builds a case-folded term frequency index.
type KeywordIndexer struct {
	base
}

// NewKeywordIndexer constructs the index_a stage handler.
func NewKeywordIndexer(store blob.Store, logger *slog.Logger) *KeywordIndexer {
	return &KeywordIndexer{base: newBase(stage.IndexA, store, logger)}
}

func (k *KeywordIndexer) Execute(ctx context.Context, job stage.Job, report stage.Reporter) (stage.Result, error) {
	meta, err := readMetadata(ctx, k.base, job.Payload[stage.KeyMetadataKey])
	if err != nil {
		return stage.Result{}, err
	}
	text, err := k.read(ctx, job.Payload[stage.KeyTextKey])
	if err != nil {
		return stage.Result{}, err
	}
	if err := report.Report(ctx, 40); err != nil {
		return stage.Result{}, err
	}

	index := buildKeywordIndex(string(text))
	index.DocumentID = job.DocumentID
	index.SourceHash = meta.SHA256
	encoded, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrStageExecution, string(k.name), "encode index", "", err)
	}
	key := k.artifactKey(job.DocumentID, keywordArtifact)
	if err := k.write(ctx, key, encoded); err != nil {
		return stage.Result{}, err
	}
	logging.WithContext(ctx, k.logger).Info("keyword index written",
		logging.Int("unique_terms", index.UniqueTerms),
	)
	return stage.Result{Outputs: map[string]string{stage.KeyIndexKey: key}}, nil
}

func buildKeywordIndex(text string) KeywordIndex {
	fold := cases.Fold()
	counts := map[string]int{}
	total := 0
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		term := fold.String(word)
		if len([]rune(term)) < minTermLength {
			continue
		}
		if _, stop := stopWords[term]; stop {
			continue
		}
		counts[term]++
		total++
	}
	terms := make([]TermCount, 0, len(counts))
	for term, count := range counts {
		terms = append(terms, TermCount{Term: term, Count: count})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	unique := len(terms)
	if len(terms) > maxKeywordTerms {
		terms = terms[:maxKeywordTerms]
	}
	return KeywordIndex{TotalTerms: total, UniqueTerms: unique, Terms: terms}
}

func readMetadata(ctx context.Context, b base, key string) (Metadata, error) {
	data, err := b.read(ctx, key)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, services.Wrap(services.ErrValidation, string(b.name), "decode metadata", key, err)
	}
	return meta, nil
}
