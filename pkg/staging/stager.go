package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"memome/internal/metrics"
	"memome/internal/util"
	"memome/pkg/domain"
	"memome/pkg/storage"
)

const (
	defaultConcurrency    = 4
	defaultCleanupTimeout = 30 * time.Second
	sniffLen              = 3072
)

// RawFile is one uploaded file before staging. Size may be -1 when unknown.
type RawFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FromBytes wraps an in-memory file.
func FromBytes(name string, data []byte) RawFile {
	return RawFile{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// FromFileHeader wraps a multipart upload.
func FromFileHeader(fh *multipart.FileHeader) RawFile {
	return RawFile{
		Name: fh.Filename,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

// Limits bound one Stage call. Zero values disable a check.
type Limits struct {
	MaxCount     int
	MaxBytesEach int64
	// AllowedExtensions are lowercase extensions without the dot, matched
	// against the sniffed content type.
	AllowedExtensions []string
}

func (l Limits) allows(ext string) bool {
	if len(l.AllowedExtensions) == 0 {
		return true
	}
	for _, allowed := range l.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}

// Result lists descriptors in input order. FailedAt is -1 on success.
type Result struct {
	Attachments []domain.Attachment
	FailedAt    int
}

// OrphanRecorder remembers keys whose best-effort delete failed.
type OrphanRecorder interface {
	RecordOrphan(ctx context.Context, key, reason string) error
}

// Config configures a Stager.
type Config struct {
	Store          storage.ObjectStore
	Concurrency    int
	CleanupTimeout time.Duration
	Orphans        OrphanRecorder
}

// Stager uploads request attachments in parallel and rolls back its own
// uploads when any of them fails.
type Stager struct {
	store          storage.ObjectStore
	concurrency    int
	cleanupTimeout time.Duration
	orphans        OrphanRecorder
	newName        func() string
}

// New builds a Stager.
func New(cfg Config) (*Stager, error) {
	if cfg.Store == nil {
		return nil, errors.New("stager requires an object store")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := cfg.CleanupTimeout
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	return &Stager{
		store:          cfg.Store,
		concurrency:    concurrency,
		cleanupTimeout: timeout,
		orphans:        cfg.Orphans,
		newName:        uuid.NewString,
	}, nil
}

// Stage uploads files under scope. On success every file has a descriptor at
// its own index. On failure it returns *StagingError after deleting every
// blob this call wrote.
func (s *Stager) Stage(ctx context.Context, files []RawFile, scope Scope, limits Limits) (Result, error) {
	if len(files) == 0 {
		return Result{Attachments: []domain.Attachment{}, FailedAt: -1}, nil
	}
	if err := scope.validate(); err != nil {
		return Result{FailedAt: 0}, &StagingError{FailedAt: 0, Cause: err}
	}
	if limits.MaxCount > 0 && len(files) > limits.MaxCount {
		return Result{FailedAt: limits.MaxCount}, &StagingError{
			FailedAt: limits.MaxCount,
			Cause:    fmt.Errorf("%w: got %d, max %d", ErrTooManyFiles, len(files), limits.MaxCount),
		}
	}
	for i, f := range files {
		if limits.MaxBytesEach > 0 && f.Size > limits.MaxBytesEach {
			return Result{FailedAt: i}, &StagingError{
				FailedAt: i,
				Cause:    fmt.Errorf("%w: %q is %d bytes, max %d", ErrFileTooLarge, f.Name, f.Size, limits.MaxBytesEach),
			}
		}
	}

	out := make([]domain.Attachment, len(files))
	attempted := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			att, err := s.stageOne(gctx, files[i], scope, limits, &attempted[i])
			if err != nil {
				return &StagingError{FailedAt: i, Cause: err}
			}
			out[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var stagingErr *StagingError
		if !errors.As(err, &stagingErr) {
			stagingErr = &StagingError{FailedAt: 0, Cause: err}
		}
		util.LoggerFromContext(ctx).Warn("staging failed, rolling back",
			"kind", scope.Kind, "owner", scope.OwnerID, "failed_at", stagingErr.FailedAt, "err", stagingErr.Cause)
		_ = s.Discard(ctx, attempted, metrics.ReasonStagingRollback)
		return Result{FailedAt: stagingErr.FailedAt}, stagingErr
	}
	metrics.BlobsStaged(len(out))
	return Result{Attachments: out, FailedAt: -1}, nil
}

func (s *Stager) stageOne(ctx context.Context, f RawFile, scope Scope, limits Limits, attempted *string) (domain.Attachment, error) {
	if f.Open == nil {
		return domain.Attachment{}, fmt.Errorf("file %q has no content", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("open %q: %w", f.Name, err)
	}
	defer rc.Close()

	size := f.Size
	var body io.Reader = rc
	if size < 0 {
		// Unknown length: buffer up to the limit so the store gets an exact size.
		r := io.Reader(rc)
		if limits.MaxBytesEach > 0 {
			r = io.LimitReader(rc, limits.MaxBytesEach+1)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return domain.Attachment{}, fmt.Errorf("read %q: %w", f.Name, err)
		}
		if limits.MaxBytesEach > 0 && int64(len(data)) > limits.MaxBytesEach {
			return domain.Attachment{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrFileTooLarge, f.Name, limits.MaxBytesEach)
		}
		size = int64(len(data))
		body = bytes.NewReader(data)
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(body, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.Attachment{}, fmt.Errorf("read %q: %w", f.Name, err)
	}
	header = header[:n]

	mt := mimetype.Detect(header)
	ext := strings.TrimPrefix(mt.Extension(), ".")
	if len(limits.AllowedExtensions) > 0 {
		// Restricted kinds trust only the sniffed type, never the filename.
		if ext == "" || !limits.allows(ext) {
			return domain.Attachment{}, fmt.Errorf("%w: %q detected as %s", ErrUnsupportedType, f.Name, mt.String())
		}
	} else {
		if ext == "" {
			ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
		}
		if ext == "" {
			ext = "bin"
		}
	}

	key := scope.Key(s.newName(), ext)
	*attempted = key
	if err := s.store.Put(ctx, key, io.MultiReader(bytes.NewReader(header), body), size, mt.String()); err != nil {
		return domain.Attachment{}, err
	}
	url, err := s.store.URL(ctx, key)
	if err != nil {
		return domain.Attachment{}, err
	}
	return domain.Attachment{StorageKey: key, URL: url, MediaType: mt.String()}, nil
}

// Discard deletes keys best-effort. It runs even when ctx is already
// cancelled. Every failure is logged, counted and recorded as an orphan; the
// joined failures are returned for callers that want to surface a warning.
func (s *Stager) Discard(ctx context.Context, keys []string, reason string) error {
	logger := util.LoggerFromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	errs := make([]error, len(keys))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		if key == "" {
			continue
		}
		g.Go(func() error {
			if err := s.store.Delete(ctx, key); err != nil {
				errs[i] = fmt.Errorf("delete %s: %w", key, err)
				s.orphaned(ctx, logger, key, reason, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Stager) orphaned(ctx context.Context, logger *slog.Logger, key, reason string, cause error) {
	metrics.BlobOrphaned(reason)
	logger.Warn("blob delete failed", "key", key, "reason", reason, "err", cause)
	if s.orphans == nil {
		return
	}
	if err := s.orphans.RecordOrphan(ctx, key, reason); err != nil {
		logger.Error("record orphan failed", "key", key, "err", err)
	}
}
