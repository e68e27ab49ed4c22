package ingest

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"path"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const maxFileNameLength = 255

// Config holds ingestion configuration
type Config struct {
	Logger           *slog.Logger
	Blobs            domain.BlobStore
	Store            domain.JobStore
	Queue            domain.Queue
	MaxFileSize      int64
	AllowedMIMETypes []string
	ProcessingTypes  []string
	EnqueueTimeout   time.Duration
	DeleteAttempts   int
	DeleteBackoff    time.Duration
}

// Metadata is what the uploader declares about the stream
type Metadata struct {
	FileName       string
	MimeType       string
	ProcessingType string
}

// Result is returned to the uploader once the job is durable
type Result struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// Service accepts uploads and defers all processing to the worker pool
type Service struct {
	logger           *slog.Logger
	blobs            domain.BlobStore
	store            domain.JobStore
	queue            domain.Queue
	maxFileSize      int64
	allowedMIMETypes []string
	processingTypes  []string
	enqueueTimeout   time.Duration
	deleteAttempts   int
	deleteBackoff    time.Duration
	now              func() time.Time
	newID            func() string
}

// NewService creates an ingestion Service
func NewService(cfg *Config) *Service {
	s := &Service{
		logger:          cfg.Logger,
		blobs:           cfg.Blobs,
		store:           cfg.Store,
		queue:           cfg.Queue,
		maxFileSize:     cfg.MaxFileSize,
		processingTypes: cfg.ProcessingTypes,
		enqueueTimeout:  cfg.EnqueueTimeout,
		deleteAttempts:  cfg.DeleteAttempts,
		deleteBackoff:   cfg.DeleteBackoff,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, t := range cfg.AllowedMIMETypes {
		s.allowedMIMETypes = append(s.allowedMIMETypes, baseType(t))
	}

	if s.maxFileSize <= 0 {
		s.maxFileSize = 50 << 20
	}
	if s.enqueueTimeout <= 0 {
		s.enqueueTimeout = 200 * time.Millisecond
	}
	if s.deleteAttempts <= 0 {
		s.deleteAttempts = 3
	}
	if s.deleteBackoff <= 0 {
		s.deleteBackoff = 50 * time.Millisecond
	}
	return s
}

// MaxFileSize returns the configured upload size limit in bytes
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// Upload validates and persists the stream, records a PENDING job, and enqueues a task.
// A failed enqueue is logged and left for the reaper; the job is still returned as PENDING.
func (s *Service) Upload(ctx context.Context, r io.Reader, meta Metadata) (*Result, error) {
	started := s.now()

	if !slices.Contains(s.processingTypes, meta.ProcessingType) {
		return nil, domain.NewValidationError(domain.ReasonDisallowedType,
			"processing type %q is not supported", meta.ProcessingType)
	}

	fileName, ok := SanitizeFileName(meta.FileName)
	if !ok {
		return nil, domain.NewValidationError(domain.ReasonMalformed, "invalid file name %q", meta.FileName)
	}

	declared := baseType(meta.MimeType)
	if declared != "" && !s.mimeAllowed(declared) {
		return nil, domain.NewValidationError(domain.ReasonDisallowedType, "MIME type %q is not allowed", declared)
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxFileSize+1))
	if err != nil {
		return nil, domain.NewValidationError(domain.ReasonMalformed, "failed to read upload stream: %v", err)
	}
	if int64(len(data)) > s.maxFileSize {
		return nil, domain.NewValidationError(domain.ReasonOversized, "file exceeds the %d byte limit", s.maxFileSize)
	}
	if len(data) == 0 {
		return nil, domain.NewValidationError(domain.ReasonMalformed, "file is empty")
	}

	detected := mimetype.Detect(data)
	if !s.detectedAllowed(detected) {
		return nil, domain.NewValidationError(domain.ReasonDisallowedType,
			"content type %q is not allowed", baseType(detected.String()))
	}
	if declared == "" {
		declared = baseType(detected.String())
	}

	now := s.now().UTC()
	jobID := s.newID()
	job := &domain.Job{
		ID:             jobID,
		Status:         domain.JobStatusPending,
		FileName:       fileName,
		FileSize:       int64(len(data)),
		MimeType:       declared,
		ProcessingType: meta.ProcessingType,
		RawLocation:    domain.RawKey(jobID, fileName),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	logger := s.logger.With(slog.String("job_id", jobID))

	if err := s.blobs.Put(ctx, job.RawLocation, data); err != nil {
		logger.Error("Failed to store raw upload",
			slog.Any("error", err),
		)
		return nil, domain.NewStorageError("write raw blob", err)
	}

	if err := s.store.Insert(ctx, job); err != nil {
		logger.Error("Failed to insert job record, removing raw upload",
			slog.Any("error", err),
		)
		s.deleteRawBlob(ctx, logger, job.RawLocation)
		return nil, domain.NewStorageError("insert job", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, domain.NewTask(job, now)); err != nil {
		logger.Warn("Failed to enqueue task, job left PENDING for the reaper",
			slog.Any("error", err),
		)
	}

	logger.Info("Upload accepted",
		slog.String("file_name", fileName),
		slog.Int64("file_size", job.FileSize),
		slog.String("mime_type", job.MimeType),
		slog.String("processing_type", job.ProcessingType),
		slog.Duration("elapsed", s.now().Sub(started)),
	)

	return &Result{JobID: jobID, Status: domain.JobStatusPending}, nil
}

// deleteRawBlob retries the compensating delete with exponential backoff
func (s *Service) deleteRawBlob(ctx context.Context, logger *slog.Logger, key string) {
	ctx = context.WithoutCancel(ctx)
	delay := s.deleteBackoff

	for attempt := 1; attempt <= s.deleteAttempts; attempt++ {
		err := s.blobs.Delete(ctx, key)
		if err == nil {
			return
		}

		logger.Warn("Failed to delete orphaned raw upload",
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.deleteAttempts),
			slog.Any("error", err),
		)
		if attempt < s.deleteAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	logger.Error("Giving up on orphaned raw upload",
		slog.String("key", key),
	)
}

func (s *Service) mimeAllowed(t string) bool {
	return slices.Contains(s.allowedMIMETypes, t)
}

// detectedAllowed accepts the sniffed type if it, an alias, or one of its parents is allowed
func (s *Service) detectedAllowed(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range s.allowedMIMETypes {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

func baseType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// SanitizeFileName reduces name to a safe base name usable inside a blob key
func SanitizeFileName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", false
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", false
	}
	if len(name) > maxFileNameLength {
		return "", false
	}
	return name, true
}
