package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-openalex-ingest/pkg/batcher"
	"github.com/illmade-knight/go-openalex-ingest/pkg/checkpoint"
	"github.com/illmade-knight/go-openalex-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
	"github.com/illmade-knight/go-openalex-ingest/pkg/envelope"
	"github.com/illmade-knight/go-openalex-ingest/pkg/openalex"
)

// fakeFetcher replays scripted pages. The script receives the call number
// (starting at 1) and the requested cursor.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	script func(call int, cursor string) ([]openalex.Work, string, error)
}

func (f *fakeFetcher) FetchPage(ctx context.Context, cursor string) ([]openalex.Work, string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	return f.script(call, cursor)
}

// recordingSink accepts records by default and captures every batch it sees.
type recordingSink struct {
	mu      sync.Mutex
	batches [][][]byte
	reject  func(record []byte) string // non-empty reason rejects the record
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Put(_ context.Context, records [][]byte) ([]dispatch.RecordResult, error) {
	s.mu.Lock()
	s.batches = append(s.batches, records)
	s.mu.Unlock()

	results := make([]dispatch.RecordResult, len(records))
	for i, rec := range records {
		if s.reject != nil {
			if reason := s.reject(rec); reason != "" {
				results[i] = dispatch.RecordResult{Reason: reason}
				continue
			}
		}
		results[i] = dispatch.RecordResult{Accepted: true}
	}
	return results, nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func works(n int) []openalex.Work {
	out := make([]openalex.Work, n)
	for i := range out {
		out[i] = openalex.Work{
			ID:    fmt.Sprintf("W%d", i+1),
			Title: "a title",
		}
	}
	return out
}

type testPipeline struct {
	producer *Producer
	sink     *recordingSink
	store    checkpoint.Store
}

func newTestPipeline(t *testing.T, cfg Config, fetcher PageFetcher, sink *recordingSink, store checkpoint.Store) *testPipeline {
	t.Helper()
	logger := zerolog.Nop()

	builder, err := envelope.NewBuilder(envelope.BuilderConfig{
		SourceTag:      "openalex",
		MaxRecordBytes: 1 << 20,
	}, nil, logger)
	require.NoError(t, err)

	buffer, err := batcher.NewBuffer(batcher.Config{MaxRecords: 3, MaxBytes: 10 << 20}, logger)
	require.NoError(t, err)

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}, sink, deadletter.Discard{}, logger)
	require.NoError(t, err)

	p, err := New(cfg, fetcher, builder, buffer, dispatcher, store, logger)
	require.NoError(t, err)
	return &testPipeline{producer: p, sink: sink, store: store}
}

func TestRun_SingleBatchPerThreshold(t *testing.T) {
	// Five records with a three-record threshold: one batch seals on the
	// count threshold, the remaining two flush at end of run.
	fetcher := &fakeFetcher{script: func(call int, cursor string) ([]openalex.Work, string, error) {
		require.Equal(t, 1, call)
		assert.Empty(t, cursor)
		return works(5), "", nil
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{FlushIdleTimeout: time.Minute}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "succeeded", summary.Status)
	assert.Equal(t, int64(1), summary.Pages)
	assert.Equal(t, int64(5), summary.Fetched)
	assert.Equal(t, int64(5), summary.Validated)
	assert.Zero(t, summary.Invalid)
	assert.Equal(t, int64(2), summary.Batches)
	assert.Equal(t, int64(5), summary.Sent)
	assert.Zero(t, summary.DeadLettered)
	assert.Equal(t, []int{3, 2}, sink.batchSizes())
	assert.Equal(t, StateTerminated, tp.producer.State())
}

func TestRun_InvalidRecordsAreSkippedNotFatal(t *testing.T) {
	fetcher := &fakeFetcher{script: func(_ int, _ string) ([]openalex.Work, string, error) {
		page := works(3)
		page[1].ID = "" // fails validation
		return page, "", nil
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "succeeded", summary.Status)
	assert.Equal(t, int64(3), summary.Fetched)
	assert.Equal(t, int64(2), summary.Validated)
	assert.Equal(t, int64(1), summary.Invalid)
	assert.Equal(t, int64(2), summary.Sent)
}

func TestRun_MultiPagePagination(t *testing.T) {
	fetcher := &fakeFetcher{script: func(call int, cursor string) ([]openalex.Work, string, error) {
		switch call {
		case 1:
			assert.Empty(t, cursor)
			return works(2), "c2", nil
		case 2:
			assert.Equal(t, "c2", cursor)
			return works(2), "", nil
		default:
			return nil, "", errors.New("unexpected extra page fetch")
		}
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Pages)
	assert.Equal(t, int64(4), summary.Sent)
}

func TestRun_MaxPagesBoundsTheRun(t *testing.T) {
	fetcher := &fakeFetcher{script: func(call int, _ string) ([]openalex.Work, string, error) {
		return works(1), fmt.Sprintf("c%d", call+1), nil
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{MaxPages: 2}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Pages)
	assert.Equal(t, int64(2), summary.Sent)
}

func TestRun_FetchErrorFailsTheRun(t *testing.T) {
	fetchErr := errors.New("fatal source error (status 403): blocked")
	fetcher := &fakeFetcher{script: func(call int, _ string) ([]openalex.Work, string, error) {
		if call == 1 {
			return works(2), "c2", nil
		}
		return nil, "", fetchErr
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.ErrorIs(t, err, fetchErr)

	assert.Equal(t, "failed", summary.Status)
	assert.Contains(t, summary.Cause, "source error")
	assert.Equal(t, int64(2), summary.Sent, "records fetched before the failure still drain")
}

func TestRun_CancellationYieldsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{script: func(call int, _ string) ([]openalex.Work, string, error) {
		if call == 1 {
			return works(2), "c2", nil
		}
		cancel()
		return nil, "", ctx.Err()
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{}, fetcher, sink, nil)

	summary, err := tp.producer.Run(ctx)
	require.NoError(t, err, "a cancelled run reports partial, not an error")

	assert.Equal(t, "partial", summary.Status)
	assert.Contains(t, summary.Cause, "cancelled")
	assert.Equal(t, int64(2), summary.Sent)
}

func TestRun_DeadLetterToleranceBreached(t *testing.T) {
	fetcher := &fakeFetcher{script: func(_ int, _ string) ([]openalex.Work, string, error) {
		return works(3), "", nil
	}}
	sink := &recordingSink{reject: func(record []byte) string {
		if containsID(record, "W2") {
			return "InternalFailure"
		}
		return ""
	}}
	tp := newTestPipeline(t, Config{DeadLetterTolerance: 0}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.ErrorIs(t, err, ErrDeadLetterToleranceExceeded)
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, int64(1), summary.DeadLettered)
	assert.Equal(t, int64(2), summary.Sent)
}

func TestRun_DeadLetterWithinTolerance(t *testing.T) {
	fetcher := &fakeFetcher{script: func(_ int, _ string) ([]openalex.Work, string, error) {
		return works(3), "", nil
	}}
	sink := &recordingSink{reject: func(record []byte) string {
		if containsID(record, "W2") {
			return "InternalFailure"
		}
		return ""
	}}
	tp := newTestPipeline(t, Config{DeadLetterTolerance: 1}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "succeeded", summary.Status)
	assert.Equal(t, int64(1), summary.DeadLettered)
}

func TestRun_RetriedRecordsAreCounted(t *testing.T) {
	var mu sync.Mutex
	rejectedOnce := false
	fetcher := &fakeFetcher{script: func(_ int, _ string) ([]openalex.Work, string, error) {
		return works(3), "", nil
	}}
	sink := &recordingSink{reject: func(record []byte) string {
		mu.Lock()
		defer mu.Unlock()
		if containsID(record, "W2") && !rejectedOnce {
			rejectedOnce = true
			return "throttled"
		}
		return ""
	}}
	tp := newTestPipeline(t, Config{}, fetcher, sink, nil)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Sent)
	assert.Equal(t, int64(1), summary.Retried)
	assert.Zero(t, summary.DeadLettered)
}

func TestRun_CheckpointAdvancesBetweenPages(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	fetcher := &fakeFetcher{script: func(call int, cursor string) ([]openalex.Work, string, error) {
		switch call {
		case 1:
			// An empty page: nothing outstanding, so the next cursor can be
			// checkpointed before the following fetch.
			return nil, "c2", nil
		default:
			assert.Equal(t, "c2", cursor)
			return works(1), "", nil
		}
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{CheckpointKey: "works"}, fetcher, sink, store)

	_, err := tp.producer.Run(context.Background())
	require.NoError(t, err)

	saved, err := store.Load(context.Background(), "works")
	require.NoError(t, err)
	assert.Equal(t, "c2", saved)
}

func TestRun_ResumesFromSavedCursor(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	require.NoError(t, store.Save(context.Background(), "works", "resume-me"))

	fetcher := &fakeFetcher{script: func(_ int, cursor string) ([]openalex.Work, string, error) {
		assert.Equal(t, "resume-me", cursor)
		return works(1), "", nil
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{CheckpointKey: "works"}, fetcher, sink, store)

	summary, err := tp.producer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Sent)
}

func TestRun_IdleTimeoutFlushesPartialBatch(t *testing.T) {
	release := make(chan struct{})
	fetcher := &fakeFetcher{script: func(call int, _ string) ([]openalex.Work, string, error) {
		if call == 1 {
			return works(1), "c2", nil
		}
		<-release
		return nil, "", nil
	}}
	sink := &recordingSink{}
	tp := newTestPipeline(t, Config{FlushIdleTimeout: 20 * time.Millisecond}, fetcher, sink, nil)

	done := make(chan Summary, 1)
	go func() {
		summary, err := tp.producer.Run(context.Background())
		require.NoError(t, err)
		done <- summary
	}()

	// The single buffered record is below the count threshold; only the idle
	// timeout can seal it while the fetcher is still blocked.
	require.Eventually(t, func() bool {
		return tp.producer.Counters().Sent.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "idle flush should dispatch the partial batch")

	close(release)
	summary := <-done
	assert.Equal(t, "succeeded", summary.Status)
	assert.Equal(t, int64(1), summary.Sent)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}

func containsID(record []byte, id string) bool {
	return strings.Contains(string(record), `"id":"`+id+`"`)
}
