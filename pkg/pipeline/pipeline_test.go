package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memome/pkg/domain"
	"memome/pkg/queue"
	"memome/pkg/staging"
	"memome/pkg/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

// flakyStore fails deletes while failDeletes is set and counts calls.
type flakyStore struct {
	*storage.MemoryStore

	mu          sync.Mutex
	calls       int
	failDeletes bool
}

func (f *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.MemoryStore.Put(ctx, key, r, size, contentType)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.calls++
	fail := f.failDeletes
	f.mu.Unlock()
	if fail {
		return storage.ErrStoreUnavailable
	}
	return f.MemoryStore.Delete(ctx, key)
}

type recordedOrphans struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordedOrphans) RecordOrphan(_ context.Context, key, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func newHarness(t *testing.T) (*flakyStore, *staging.Stager, *recordedOrphans) {
	t.Helper()
	store := &flakyStore{MemoryStore: storage.NewMemoryStore("")}
	orphans := &recordedOrphans{}
	stager, err := staging.New(staging.Config{Store: store, Orphans: orphans})
	require.NoError(t, err)
	return store, stager, orphans
}

var scope = staging.Scope{Kind: domain.KindPoll, OwnerID: "u1", ParentID: "p1"}

func twoFiles() []staging.RawFile {
	return []staging.RawFile{staging.FromBytes("a.png", pngBytes), staging.FromBytes("b.png", pngBytes)}
}

func TestRunValidationFailureHasNoSideEffects(t *testing.T) {
	store, stager, _ := newHarness(t)
	trace := &Trace{}
	invalid := Invalid("poll must have at least 2 options", nil)

	_, err := Run(context.Background(), stager, Plan[string]{
		Name:     "poll",
		Validate: func(context.Context) error { return invalid },
		Files:    twoFiles(),
		Scope:    scope,
		Commit: func(context.Context, []domain.Attachment) (string, error) {
			t.Fatal("commit must not run")
			return "", nil
		},
		Trace: trace,
	})

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, []State{StateValidating, StateFailed}, trace.States())
	assert.Zero(t, store.calls)
}

func TestRunStagingFailureStopsBeforeCommit(t *testing.T) {
	store, stager, _ := newHarness(t)
	trace := &Trace{}
	_, err := Run(context.Background(), stager, Plan[string]{
		Name:   "poll",
		Files:  twoFiles(),
		Scope:  scope,
		Limits: staging.Limits{MaxBytesEach: 8},
		Commit: func(context.Context, []domain.Attachment) (string, error) {
			t.Fatal("commit must not run")
			return "", nil
		},
		Trace: trace,
	})

	var stagingErr *staging.StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.ErrorIs(t, err, staging.ErrFileTooLarge)
	assert.Equal(t, []State{StateValidating, StateStaging, StateFailed}, trace.States())
	assert.Zero(t, store.Len())
}

func TestRunCommitFailureCompensates(t *testing.T) {
	store, stager, orphans := newHarness(t)
	trace := &Trace{}
	dbDown := errors.New("db down")
	var committed []domain.Attachment

	_, err := Run(context.Background(), stager, Plan[string]{
		Name:  "poll",
		Files: twoFiles(),
		Scope: scope,
		Commit: func(_ context.Context, atts []domain.Attachment) (string, error) {
			committed = atts
			return "", dbDown
		},
		Trace: trace,
	})

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.ErrorIs(t, err, dbDown)
	assert.NoError(t, commitErr.Cleanup)
	assert.Len(t, committed, 2)
	assert.Equal(t, StateFailed, trace.Final())
	assert.Zero(t, store.Len(), "staged blobs must be deleted after commit failure")
	assert.Empty(t, orphans.keys)
}

func TestRunCommitFailureRecordsOrphansWhenCleanupFails(t *testing.T) {
	store, stager, orphans := newHarness(t)
	_, err := Run(context.Background(), stager, Plan[string]{
		Name:  "message",
		Files: twoFiles(),
		Scope: scope,
		Commit: func(context.Context, []domain.Attachment) (string, error) {
			store.mu.Lock()
			store.failDeletes = true
			store.mu.Unlock()
			return "", errors.New("constraint violation")
		},
	})

	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.ErrorIs(t, commitErr.Cleanup, storage.ErrStoreUnavailable)
	assert.Len(t, orphans.keys, 2)
}

func TestRunSuccessReturnsRecord(t *testing.T) {
	store, stager, _ := newHarness(t)
	trace := &Trace{}
	got, err := Run(context.Background(), stager, Plan[int]{
		Name:  "message",
		Files: twoFiles(),
		Scope: scope,
		Commit: func(_ context.Context, atts []domain.Attachment) (int, error) {
			return len(atts), nil
		},
		Trace: trace,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, []State{StateValidating, StateStaging, StateCommitting, StateDone}, trace.States())
	assert.Equal(t, 2, store.Len())
}

func TestRunWithoutFilesCommitsEmptySlice(t *testing.T) {
	store, stager, _ := newHarness(t)
	_, err := Run(context.Background(), stager, Plan[string]{
		Name:  "message",
		Scope: scope,
		Commit: func(_ context.Context, atts []domain.Attachment) (string, error) {
			if atts == nil || len(atts) != 0 {
				return "", errors.New("expected empty non-nil attachments")
			}
			return "ok", nil
		},
	})
	require.NoError(t, err)
	assert.Zero(t, store.calls)
}

func TestDeleteRemovesBlobsThenRecord(t *testing.T) {
	store, stager, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, store.MemoryStore.Put(ctx, "poll/u1/p1/a.png", bytes.NewReader(pngBytes), int64(len(pngBytes)), "image/png"))

	var order []string
	report, err := Delete(ctx, stager, DeletePlan{
		Name: "poll",
		Fetch: func(context.Context) ([]domain.Attachment, error) {
			order = append(order, "fetch")
			return []domain.Attachment{{StorageKey: "poll/u1/p1/a.png"}, {StorageKey: "poll/u1/p1/gone.png"}}, nil
		},
		Remove: func(context.Context) error {
			if store.Len() != 0 {
				return errors.New("record removed before blobs")
			}
			order = append(order, "remove")
			return nil
		},
	})
	require.NoError(t, err)
	assert.NoError(t, report.BlobErr)
	assert.Equal(t, 2, report.Attachments)
	assert.Equal(t, []string{"fetch", "remove"}, order)
}

func TestDeleteBlobFailureIsWarningOnly(t *testing.T) {
	store, stager, orphans := newHarness(t)
	store.failDeletes = true
	removed := false
	report, err := Delete(context.Background(), stager, DeletePlan{
		Name: "message",
		Fetch: func(context.Context) ([]domain.Attachment, error) {
			return []domain.Attachment{{StorageKey: "message/u1/m1/a.png"}}, nil
		},
		Remove: func(context.Context) error { removed = true; return nil },
	})
	require.NoError(t, err)
	assert.True(t, removed)
	assert.ErrorIs(t, report.BlobErr, storage.ErrStoreUnavailable)
	assert.Equal(t, []string{"message/u1/m1/a.png"}, orphans.keys)
}

func TestDeleteFetchErrorStops(t *testing.T) {
	store, stager, _ := newHarness(t)
	missing := errors.New("record not found")
	_, err := Delete(context.Background(), stager, DeletePlan{
		Name:  "message",
		Fetch: func(context.Context) ([]domain.Attachment, error) { return nil, missing },
		Remove: func(context.Context) error {
			t.Fatal("remove must not run")
			return nil
		},
	})
	assert.ErrorIs(t, err, missing)
	assert.Zero(t, store.calls)
}

type sliceOrphans struct {
	pending []queue.Orphan
}

func (s *sliceOrphans) Drain(ctx context.Context, handler func(context.Context, queue.Orphan) error) (int, error) {
	resolved := 0
	var keep []queue.Orphan
	for _, o := range s.pending {
		if err := handler(ctx, o); err != nil {
			keep = append(keep, o)
			continue
		}
		resolved++
	}
	s.pending = keep
	return resolved, nil
}

type recordSet map[string]bool

func (r recordSet) RecordExists(_ context.Context, _ domain.ResourceKind, id string) (bool, error) {
	return r[id], nil
}

func TestSweepOnceRetriesOrphansAndSweepsUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore("")
	for _, key := range []string{
		"poll/u1/live/a.png",
		"poll/u1/dead/b.png",
		"message/u2/dead/c.png",
		"message/u2/orphan.png",
	} {
		require.NoError(t, blobs.Put(ctx, key, bytes.NewReader(pngBytes), int64(len(pngBytes)), "image/png"))
	}
	orphans := &sliceOrphans{pending: []queue.Orphan{{Key: "message/u2/orphan.png"}}}

	sweeper, err := NewSweeper(SweeperConfig{
		Blobs:           blobs,
		Records:         recordSet{"live": true},
		Orphans:         orphans,
		SafetyThreshold: time.Hour,
	})
	require.NoError(t, err)

	// Nothing is old enough yet.
	stats, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphansDeleted)
	assert.Zero(t, stats.BlobsDeleted)
	assert.Equal(t, 3, blobs.Len())

	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	stats, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.BlobsDeleted)
	assert.Empty(t, stats.Errors)

	left, err := blobs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "poll/u1/live/a.png", left[0].Key)
}

type downOrphans struct{}

func (downOrphans) Drain(context.Context, func(context.Context, queue.Orphan) error) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func TestSweepOnceSweepsPrefixesWhenDrainFails(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore("")
	require.NoError(t, blobs.Put(ctx, "poll/u1/dead/a.png", bytes.NewReader(pngBytes), int64(len(pngBytes)), "image/png"))

	sweeper, err := NewSweeper(SweeperConfig{
		Blobs:   blobs,
		Records: recordSet{},
		Orphans: downOrphans{},
	})
	require.NoError(t, err)
	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	stats, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BlobsDeleted)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "drain orphans")
	assert.Zero(t, blobs.Len())
}
