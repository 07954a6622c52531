package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"docflow/internal/blob"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
	"docflow/internal/textutil"
)

const (
	chunksArtifact      = "chunks.json"
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
	chunkTopTerms       = 5
)

// Chunk is one entry of a chunk manifest.
type Chunk struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Runes  int    `json:"runes"`
	SHA256 string `json:"sha256"`
	// Salience is the cosine similarity between the chunk and the whole
	// document after both are weighted by inverse chunk frequency.
	Salience float64  `json:"salience"`
	Terms    []string `json:"terms,omitempty"`
	Text     string   `json:"text"`
}

// ChunkManifest is the artifact written by the index_b stage.
type ChunkManifest struct {
	DocumentID   string  `json:"document_id"`
	SourceHash   string  `json:"source_sha256,omitempty"`
	ChunkSize    int     `json:"chunk_size"`
	ChunkOverlap int     `json:"chunk_overlap"`
	Chunks       []Chunk `json:"chunks"`
}

// ChunkIndexer splits the converted text into overlapping chunks ready for
// embedding by a downstream system.
type ChunkIndexer struct {
	base
	size    int
	overlap int
}

// NewChunkIndexer constructs the index_b stage handler. Non-positive sizes
// fall back to defaults; an overlap that is not smaller than the size is
// reduced to a tenth of it.
func NewChunkIndexer(store blob.Store, size, overlap int, logger *slog.Logger) *ChunkIndexer {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = defaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &ChunkIndexer{base: newBase(stage.IndexB, store, logger), size: size, overlap: overlap}
}

func (c *ChunkIndexer) Execute(ctx context.Context, job stage.Job, report stage.Reporter) (stage.Result, error) {
	meta, err := readMetadata(ctx, c.base, job.Payload[stage.KeyMetadataKey])
	if err != nil {
		return stage.Result{}, err
	}
	text, err := c.read(ctx, job.Payload[stage.KeyTextKey])
	if err != nil {
		return stage.Result{}, err
	}
	if strings.TrimSpace(string(text)) == "" {
		logging.WithContext(ctx, c.logger).Info("no text to chunk; skipping")
		return stage.Result{Skipped: true}, nil
	}
	if err := report.Report(ctx, 30); err != nil {
		return stage.Result{}, err
	}

	chunks, err := c.split(string(text))
	if err != nil {
		return stage.Result{}, err
	}
	manifest := ChunkManifest{
		DocumentID:   job.DocumentID,
		SourceHash:   meta.SHA256,
		ChunkSize:    c.size,
		ChunkOverlap: c.overlap,
		Chunks:       chunks,
	}
	scoreChunks(string(text), chunks)
	if err := report.Report(ctx, 80); err != nil {
		return stage.Result{}, err
	}
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrStageExecution, string(c.name), "encode manifest", "", err)
	}
	key := c.artifactKey(job.DocumentID, chunksArtifact)
	if err := c.write(ctx, key, encoded); err != nil {
		return stage.Result{}, err
	}
	logging.WithContext(ctx, c.logger).Info("chunk manifest written",
		logging.Int("chunks", len(chunks)),
	)
	return stage.Result{Outputs: map[string]string{stage.KeyChunksKey: key}}, nil
}

func (c *ChunkIndexer) split(text string) ([]Chunk, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
	)
	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, services.Wrap(services.ErrStageExecution, string(c.name), "split text", "", err)
	}
	chunks := make([]Chunk, 0, len(parts))
	searchFrom := 0
	for i, part := range parts {
		offset := -1
		if idx := strings.Index(text[searchFrom:], part); idx >= 0 {
			offset = searchFrom + idx
			searchFrom = offset + 1
		}
		sum := sha256.Sum256([]byte(part))
		chunks = append(chunks, Chunk{
			Index:  i,
			Offset: offset,
			Runes:  len([]rune(part)),
			SHA256: hex.EncodeToString(sum[:]),
			Text:   part,
		})
	}
	return chunks, nil
}

// scoreChunks fills Salience and Terms. Terms shared by every chunk carry no
// weight, so a single-chunk document scores zero.
func scoreChunks(text string, chunks []Chunk) {
	corpus := textutil.NewCorpus()
	vectors := make([]*textutil.Vector, len(chunks))
	for i, chunk := range chunks {
		vectors[i] = textutil.NewVector(chunk.Text)
		corpus.Add(vectors[i])
	}
	idf := corpus.IDF()
	whole := textutil.NewVector(text).Weighted(idf)
	for i := range chunks {
		weighted := vectors[i].Weighted(idf)
		chunks[i].Salience = math.Round(textutil.Cosine(weighted, whole)*1000) / 1000
		chunks[i].Terms = weighted.Top(chunkTopTerms)
	}
}
