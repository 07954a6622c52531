// Package textutil scores text with term-frequency vectors.
//
// Tokenize case-folds with Unicode rules and drops terms shorter than three
// runes. A Corpus collects document frequencies across a set of vectors so
// callers can reweight them by inverse document frequency before comparing
// them with Cosine.
package textutil
