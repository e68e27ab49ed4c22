package processing

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/klauspost/compress/gzip"
)

// DocumentStrategy keeps the original document and a gzip archive of it
type DocumentStrategy struct {
	level int
}

// NewDocumentStrategy creates a DocumentStrategy using the best-compression level
func NewDocumentStrategy() *DocumentStrategy {
	return &DocumentStrategy{level: gzip.BestCompression}
}

// Process implements domain.Strategy
func (s *DocumentStrategy) Process(ctx context.Context, job *domain.Job, raw []byte) ([]domain.Artifact, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("document %s is empty", job.FileName)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	zw.Name = job.FileName
	zw.ModTime = job.CreatedAt

	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return []domain.Artifact{
		{Name: "original", ContentType: job.MimeType, Data: raw},
		{Name: "archive", ContentType: "application/gzip", Data: buf.Bytes()},
	}, nil
}
