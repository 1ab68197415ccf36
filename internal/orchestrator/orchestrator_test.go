package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/category"
	"github.com/rankwatch/rankwatch/internal/publisher/memory"
	"github.com/rankwatch/rankwatch/internal/ranking"
	snapmem "github.com/rankwatch/rankwatch/internal/snapshot/memory"
	"github.com/rankwatch/rankwatch/internal/store"
)

var kst = time.FixedZone("KST", 9*60*60)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDs struct{ err error }

func (f fakeIDs) NewID() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "pass-1", nil
}

// scriptedFetcher answers per category; fails counts leading failures.
type scriptedFetcher struct {
	mu       sync.Mutex
	products map[string]int
	fails    map[string]int
	failWith map[string]error
	attempts map[string]int
	onFetch  func(ctx context.Context, req ranking.FetchRequest) error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		products: map[string]int{},
		fails:    map[string]int{},
		failWith: map[string]error{},
		attempts: map[string]int{},
	}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req ranking.FetchRequest) (ranking.FetchResponse, error) {
	f.mu.Lock()
	f.attempts[req.Category]++
	attempt := f.attempts[req.Category]
	fails := f.fails[req.Category]
	failErr := f.failWith[req.Category]
	n := f.products[req.Category]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return ranking.FetchResponse{}, err
		}
	}
	if fails < 0 || attempt <= fails {
		if failErr == nil {
			failErr = errors.New("transient error")
		}
		return ranking.FetchResponse{}, failErr
	}
	return ranking.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(strconv.Itoa(n))}, nil
}

func (f *scriptedFetcher) attemptsFor(cat string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[cat]
}

// countExtractor reads the product count from the body.
type countExtractor struct{}

func (countExtractor) Extract(cat category.Category, page []byte) ([]ranking.ProductRecord, error) {
	n, err := strconv.Atoi(string(page))
	if err != nil {
		return nil, fmt.Errorf("bad page: %w", err)
	}
	out := make([]ranking.ProductRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, ranking.ProductRecord{Rank: i, Name: fmt.Sprintf("%s-%d", cat.ID, i), Brand: "B"})
	}
	return out, nil
}

type fakeDelivery struct {
	mu        sync.Mutex
	prepared  int
	delivered []ranking.Bucket
	err       error
}

func (d *fakeDelivery) Prepare(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepared++
	return nil
}

func (d *fakeDelivery) Deliver(_ context.Context, b ranking.Bucket) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, b)
	return d.err
}

type harness struct {
	orch      *Orchestrator
	store     *store.Store
	backend   *snapmem.Store
	fetcher   *scriptedFetcher
	publisher *memory.Publisher
	delivery  *fakeDelivery
	sleeps    []time.Duration
}

func newHarness(t *testing.T, cats ...string) *harness {
	t.Helper()
	h := &harness{
		backend:   snapmem.New(),
		fetcher:   newScriptedFetcher(),
		publisher: memory.New(),
		delivery:  &fakeDelivery{},
	}
	h.store = store.New(store.Config{Backend: h.backend})

	var list []category.Category
	for _, id := range cats {
		c, ok := category.Lookup(id)
		require.True(t, ok, id)
		list = append(list, c)
	}
	orch, err := New(Deps{
		Store:     h.store,
		Fetcher:   h.fetcher,
		Extractor: countExtractor{},
		Publisher: h.publisher,
		Delivery:  h.delivery,
		Clock:     fakeClock{now: time.Date(2024, 1, 1, 10, 15, 30, 0, kst)},
		IDs:       fakeIDs{},
	}, Config{
		RankingURL:     "https://example.com/store/main/getBestList.do?dispCatNo=900000100100001",
		MinDelay:       2 * time.Second,
		MaxDelay:       5 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   2 * time.Second,
		RequestTimeout: time.Second,
		Topic:          "passes",
		Categories:     list,
	}, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	orch.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		h.sleeps = append(h.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	orch.jitter = func(lo, _ time.Duration) time.Duration { return lo }
	h.orch = orch
	return h
}

func TestRunSuccessfulPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare", "makeup")
	h.fetcher.products["skincare"] = 3
	h.fetcher.products["makeup"] = 2

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "success", result.Outcome())
	require.Equal(t, "pass-1", result.PassID)
	require.Equal(t, ranking.Bucket{Date: "2024-01-01", Time: "10-15"}, result.Bucket)
	require.Equal(t, []string{"skincare", "makeup"}, result.Succeeded)
	require.Equal(t, 5, result.RecordsMerged)
	require.Equal(t, 5, result.TotalRecords)
	require.NoError(t, result.PersistErr)

	history := h.store.History("skincare")
	require.Len(t, history, 3)
	for _, r := range history {
		require.Equal(t, "2024-01-01", r.Date)
		require.Equal(t, "10-15", r.Time)
		require.Equal(t, "skincare", r.Category)
	}
	_, crawled := h.store.LastCrawl()
	require.True(t, crawled)
	require.Equal(t, 1, h.backend.Saves())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "passes", msgs[0].Topic)
	event, ok := msgs[0].Payload.(ranking.PassCompleted)
	require.True(t, ok)
	require.True(t, event.Persisted)
	require.Equal(t, []string{}, event.CategoriesFailed)

	require.Equal(t, 1, h.delivery.prepared)
	require.Equal(t, []ranking.Bucket{result.Bucket}, h.delivery.delivered)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)

	state, cat := h.orch.State()
	require.Equal(t, StateScheduledNext, state)
	require.Empty(t, cat)
}

func TestRunRetriesWithFixedBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.fetcher.products["skincare"] = 1
	h.fetcher.fails["skincare"] = 2

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Failed)
	require.Equal(t, 3, h.fetcher.attemptsFor("skincare"))
	// jitter, then two backoffs
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, h.sleeps)
}

func TestRunRecordsFailureAfterBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare", "makeup")
	h.fetcher.fails["skincare"] = -1
	h.fetcher.failWith["skincare"] = &ranking.FetchError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")}
	h.fetcher.products["makeup"] = 2

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "partial", result.Outcome())
	require.Equal(t, 3, h.fetcher.attemptsFor("skincare"))
	require.Len(t, result.Failed, 1)
	require.Equal(t, "skincare", result.Failed[0].Category)
	require.Equal(t, ranking.StatusCode(http.StatusServiceUnavailable), result.Failed[0].Status)
	require.Contains(t, result.Failed[0].Error, "3 attempts")

	failures := h.store.FailedCategories(0)
	require.Len(t, failures, 1)
	require.Len(t, h.store.History("makeup"), 2)

	event := h.publisher.Messages()[0].Payload.(ranking.PassCompleted)
	require.Equal(t, []string{"skincare"}, event.CategoriesFailed)
}

func TestRunAllCategoriesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare", "makeup", "food")
	for _, c := range []string{"skincare", "makeup", "food"} {
		h.fetcher.fails[c] = -1
	}

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "failed", result.Outcome())
	require.Len(t, result.Failed, 3)
	require.Zero(t, result.TotalRecords)
	require.Empty(t, h.store.AllRecords())

	last, ok := h.store.LastCrawl()
	require.True(t, ok)
	require.Equal(t, 2024, last.Year())
	require.Equal(t, 1, h.backend.Saves())
	require.Zero(t, result.Failed[0].Status)
}

func TestRunPersistFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.fetcher.products["skincare"] = 2
	h.backend.FailWith(errors.New("disk full"))

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Error(t, result.PersistErr)
	require.Len(t, h.store.History("skincare"), 2)
	event := h.publisher.Messages()[0].Payload.(ranking.PassCompleted)
	require.False(t, event.Persisted)
}

func TestRunDeliveryFailureKeepsData(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.fetcher.products["skincare"] = 2
	h.delivery.err = errors.New("smtp down")

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Error(t, result.DeliveryErr)
	require.Equal(t, "success", result.Outcome())
	require.Len(t, h.store.History("skincare"), 2)
}

func TestRunExtractFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.orch.deps.Extractor = failingExtractor{}

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Equal(t, 1, h.fetcher.attemptsFor("skincare"), "extraction errors are not retried")
}

type failingExtractor struct{}

func (failingExtractor) Extract(category.Category, []byte) ([]ranking.ProductRecord, error) {
	return nil, errors.New("markup changed")
}

func TestRunCanceledBetweenCategories(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare", "makeup")
	h.fetcher.products["skincare"] = 1
	h.fetcher.products["makeup"] = 1

	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.onFetch = func(_ context.Context, req ranking.FetchRequest) error {
		if req.Category == "skincare" {
			cancel()
		}
		return nil
	}

	result, err := h.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, result.Canceled)
	require.Equal(t, []string{"skincare"}, result.Succeeded)
	require.Zero(t, h.fetcher.attemptsFor("makeup"))

	_, crawled := h.store.LastCrawl()
	require.False(t, crawled)
	require.Equal(t, 1, h.backend.Saves(), "merged data is still flushed")
	require.Empty(t, h.delivery.delivered)
	require.Empty(t, h.publisher.Messages())
}

func TestAttemptBoundedByRequestTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.orch.cfg.RequestTimeout = 20 * time.Millisecond
	h.orch.cfg.MaxRetries = 0
	h.fetcher.onFetch = func(ctx context.Context, _ ranking.FetchRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}

	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Contains(t, result.Failed[0].Error, context.DeadlineExceeded.Error())
}

func TestStateWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.fetcher.products["skincare"] = 1
	var seen State
	var seenCat string
	h.fetcher.onFetch = func(context.Context, ranking.FetchRequest) error {
		seen, seenCat = h.orch.State()
		return nil
	}
	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateRunning, seen)
	require.Equal(t, "skincare", seenCat)
}

func TestPassIDFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "skincare")
	h.orch.deps.IDs = fakeIDs{err: errors.New("entropy")}
	h.fetcher.products["skincare"] = 1
	result, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "20240101T101530", result.PassID)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{RankingURL: "https://example.com"}, nil)
	require.Error(t, err)

	_, err = New(Deps{
		Store:     store.New(store.Config{}),
		Fetcher:   newScriptedFetcher(),
		Extractor: countExtractor{},
		Clock:     fakeClock{},
	}, Config{}, nil)
	require.Error(t, err)

	o, err := New(Deps{
		Store:     store.New(store.Config{}),
		Fetcher:   newScriptedFetcher(),
		Extractor: countExtractor{},
		Clock:     fakeClock{},
	}, Config{RankingURL: "https://example.com", MinDelay: 5 * time.Second, MaxDelay: time.Second, MaxRetries: -1}, nil)
	require.NoError(t, err)
	require.Len(t, o.cfg.Categories, len(category.List()))
	require.Equal(t, 5*time.Second, o.cfg.MaxDelay)
	require.Zero(t, o.cfg.MaxRetries)
}

func TestRandomDelayBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		d := randomDelay(2*time.Second, 5*time.Second)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}
	require.Equal(t, time.Second, randomDelay(time.Second, time.Second))
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "scheduled_next", StateScheduledNext.String())
	require.Equal(t, "unknown", State(99).String())
}
