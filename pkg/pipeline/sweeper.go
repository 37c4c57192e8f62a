package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memome/internal/metrics"
	"memome/internal/util"
	"memome/pkg/domain"
	"memome/pkg/queue"
	"memome/pkg/storage"
)

// OrphanSource yields recorded orphans for retry.
type OrphanSource interface {
	Drain(ctx context.Context, handler func(context.Context, queue.Orphan) error) (int, error)
}

// RecordChecker reports whether the record owning a blob still exists.
type RecordChecker interface {
	RecordExists(ctx context.Context, kind domain.ResourceKind, id string) (bool, error)
}

// SweepStats describes one sweep.
type SweepStats struct {
	RunAt          time.Time
	OrphansRetried int
	OrphansDeleted int
	BlobsScanned   int
	BlobsDeleted   int
	DurationMs     int64
	Errors         []string
}

// SweeperConfig configures a Sweeper. Orphans may be nil.
type SweeperConfig struct {
	Blobs   storage.ObjectStore
	Records RecordChecker
	Orphans OrphanSource
	Kinds   []domain.ResourceKind
	// SafetyThreshold is the minimum blob age before a prefix sweep may delete
	// it, so uploads of in-flight requests are never touched.
	SafetyThreshold time.Duration
}

// Sweeper reconciles the blob store with the system of record. It retries
// recorded orphans and deletes old blobs whose record no longer exists.
type Sweeper struct {
	blobs           storage.ObjectStore
	records         RecordChecker
	orphans         OrphanSource
	kinds           []domain.ResourceKind
	safetyThreshold time.Duration
	now             func() time.Time
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Blobs == nil || cfg.Records == nil {
		return nil, errors.New("sweeper requires blob store and record checker")
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = []domain.ResourceKind{domain.KindMessage, domain.KindPoll}
	}
	threshold := cfg.SafetyThreshold
	if threshold <= 0 {
		threshold = time.Hour
	}
	return &Sweeper{
		blobs:           cfg.Blobs,
		records:         cfg.Records,
		orphans:         cfg.Orphans,
		kinds:           kinds,
		safetyThreshold: threshold,
		now:             time.Now,
	}, nil
}

// Start runs a sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	logger := util.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	logger.Info("orphan sweeper started", "interval", interval, "safety_threshold", s.safetyThreshold)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats, err := s.SweepOnce(ctx)
				if err != nil {
					logger.Error("orphan sweep failed", "err", err)
					continue
				}
				logger.Info("orphan sweep completed",
					"orphans_retried", stats.OrphansRetried,
					"orphans_deleted", stats.OrphansDeleted,
					"blobs_scanned", stats.BlobsScanned,
					"blobs_deleted", stats.BlobsDeleted,
					"duration_ms", stats.DurationMs,
					"errors", len(stats.Errors),
				)
			case <-ctx.Done():
				logger.Info("orphan sweeper stopped")
				return
			}
		}
	}()
}

// SweepOnce runs one reconciliation pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	start := s.now()
	stats := SweepStats{RunAt: start, Errors: []string{}}

	if s.orphans != nil {
		deleted, err := s.orphans.Drain(ctx, func(ctx context.Context, o queue.Orphan) error {
			stats.OrphansRetried++
			return s.blobs.Delete(ctx, o.Key)
		})
		stats.OrphansDeleted = deleted
		if err != nil {
			// The prefix sweep still runs; it covers the same blobs once they age.
			util.LoggerFromContext(ctx).Warn("drain orphans failed", "err", err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("drain orphans: %v", err))
		}
	}

	for _, kind := range s.kinds {
		if err := s.sweepPrefix(ctx, kind, &stats); err != nil {
			return stats, err
		}
	}

	metrics.BlobsSwept(stats.OrphansDeleted + stats.BlobsDeleted)
	stats.DurationMs = s.now().Sub(start).Milliseconds()
	return stats, nil
}

func (s *Sweeper) sweepPrefix(ctx context.Context, kind domain.ResourceKind, stats *SweepStats) error {
	objects, err := s.blobs.List(ctx, string(kind)+"/")
	if err != nil {
		return fmt.Errorf("list %s blobs: %w", kind, err)
	}
	stats.BlobsScanned += len(objects)

	exists := make(map[string]bool)
	for _, obj := range objects {
		if s.now().Sub(obj.LastModified) < s.safetyThreshold {
			continue
		}
		// Keys are {kind}/{owner}/{record}/{name}.
		parts := strings.Split(obj.Key, "/")
		if len(parts) != 4 || parts[2] == "" {
			continue
		}
		recordID := parts[2]
		ok, seen := exists[recordID]
		if !seen {
			ok, err = s.records.RecordExists(ctx, kind, recordID)
			if err != nil {
				stats.Errors = append(stats.Errors, "check "+obj.Key+": "+err.Error())
				continue
			}
			exists[recordID] = ok
		}
		if ok {
			continue
		}
		if err := s.blobs.Delete(ctx, obj.Key); err != nil {
			stats.Errors = append(stats.Errors, "delete "+obj.Key+": "+err.Error())
			continue
		}
		stats.BlobsDeleted++
	}
	return nil
}
