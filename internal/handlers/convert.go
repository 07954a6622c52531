package handlers

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"docflow/internal/blob"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

const textArtifact = "text.txt"

// Converter normalizes a submitted document into NFC UTF-8 plain text.
// Input that is not valid UTF-8 is decoded as Windows-1252, which also
// covers Latin-1.
type Converter struct {
	base
}

// NewConverter constructs the convert stage handler.
func NewConverter(store blob.Store, logger *slog.Logger) *Converter {
	return &Converter{base: newBase(stage.Convert, store, logger)}
}

func (c *Converter) Execute(ctx context.Context, job stage.Job, report stage.Reporter) (stage.Result, error) {
	logger := logging.WithContext(ctx, c.logger)
	source := job.Payload[stage.KeySourceKey]
	data, err := c.read(ctx, source)
	if err != nil {
		return stage.Result{}, err
	}
	if err := report.Report(ctx, 30); err != nil {
		return stage.Result{}, err
	}

	text, decoded, err := normalizeText(data)
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrStageExecution, string(c.name), "decode", "", err)
	}
	if err := report.Report(ctx, 70); err != nil {
		return stage.Result{}, err
	}

	key := c.artifactKey(job.DocumentID, textArtifact)
	if err := c.write(ctx, key, text); err != nil {
		return stage.Result{}, err
	}
	logger.Info("document converted",
		logging.String("source_key", source),
		logging.Int("source_bytes", len(data)),
		logging.Int("text_bytes", len(text)),
		logging.Bool("legacy_encoding", decoded),
	)
	return stage.Result{Outputs: map[string]string{stage.KeyTextKey: key}}, nil
}

// normalizeText returns cleaned text and whether a legacy decode was needed.
func normalizeText(data []byte) ([]byte, bool, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	decoded := false
	if !utf8.Valid(data) {
		out, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, false, err
		}
		data = out
		decoded = true
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r), r == utf8.RuneError:
			return -1
		}
		return r
	}, text)
	return norm.NFC.Bytes([]byte(text)), decoded, nil
}
