package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"docflow/internal/blob"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

const metadataArtifact = "metadata.json"

// Metadata is the document summary written by the extract_metadata stage.
type Metadata struct {
	DocumentID  string    `json:"document_id"`
	Filename    string    `json:"filename,omitempty"`
	ContentType string    `json:"content_type"`
	SourceBytes int64     `json:"source_bytes"`
	SHA256      string    `json:"sha256"`
	TextBytes   int       `json:"text_bytes"`
	Lines       int       `json:"lines"`
	Words       int       `json:"words"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// MetadataExtractor summarizes the source document and its converted text.
type MetadataExtractor struct {
	base
	now func() time.Time
}

// NewMetadataExtractor constructs the extract_metadata stage handler.
func NewMetadataExtractor(store blob.Store, logger *slog.Logger) *MetadataExtractor {
	return &MetadataExtractor{base: newBase(stage.ExtractMetadata, store, logger), now: time.Now}
}

func (m *MetadataExtractor) Execute(ctx context.Context, job stage.Job, report stage.Reporter) (stage.Result, error) {
	source, err := m.read(ctx, job.Payload[stage.KeySourceKey])
	if err != nil {
		return stage.Result{}, err
	}
	text, err := m.read(ctx, job.Payload[stage.KeyTextKey])
	if err != nil {
		return stage.Result{}, err
	}
	if err := report.Report(ctx, 50); err != nil {
		return stage.Result{}, err
	}

	sum := sha256.Sum256(source)
	meta := Metadata{
		DocumentID:  job.DocumentID,
		Filename:    job.Payload[stage.KeyFilename],
		ContentType: detectContentType(job.Payload[stage.KeyContentType], job.Payload[stage.KeyFilename], source),
		SourceBytes: int64(len(source)),
		SHA256:      hex.EncodeToString(sum[:]),
		TextBytes:   len(text),
		Lines:       countLines(string(text)),
		Words:       len(strings.Fields(string(text))),
		ExtractedAt: m.now().UTC(),
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrStageExecution, string(m.name), "encode metadata", "", err)
	}
	key := m.artifactKey(job.DocumentID, metadataArtifact)
	if err := m.write(ctx, key, encoded); err != nil {
		return stage.Result{}, err
	}
	logging.WithContext(ctx, m.logger).Info("metadata extracted",
		logging.String("content_type", meta.ContentType),
		logging.Int("words", meta.Words),
	)
	return stage.Result{Outputs: map[string]string{stage.KeyMetadataKey: key}}, nil
}

// detectContentType prefers the declared type, then the extension, then
// content sniffing.
func detectContentType(declared, filename string, data []byte) string {
	if declared = strings.TrimSpace(declared); declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
