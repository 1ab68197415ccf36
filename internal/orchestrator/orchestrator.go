// Package orchestrator runs one crawl pass over every category.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/category"
	"github.com/rankwatch/rankwatch/internal/metrics"
	"github.com/rankwatch/rankwatch/internal/ranking"
	"github.com/rankwatch/rankwatch/internal/store"
)

// Config controls pass pacing and retries.
type Config struct {
	// RankingURL carries the fixed query parameters; each category sets its filter code.
	RankingURL string
	// MinDelay and MaxDelay bound the random wait before each category.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
	// Topic receives a PassCompleted event. Empty disables publishing.
	Topic string
	// Categories overrides the registry, mostly for tests.
	Categories []category.Category
}

// Deps are the collaborators of a pass. Publisher, Delivery and IDs are optional.
type Deps struct {
	Store     *store.Store
	Fetcher   ranking.Fetcher
	Extractor ranking.Extractor
	Publisher ranking.Publisher
	Delivery  ranking.Delivery
	Clock     ranking.Clock
	IDs       ranking.IDGenerator
}

// PassResult summarizes a finished pass.
type PassResult struct {
	PassID        string
	Bucket        ranking.Bucket
	StartedAt     time.Time
	FinishedAt    time.Time
	Succeeded     []string
	Failed        []ranking.FailedCategory
	RecordsMerged int
	TotalRecords  int
	PersistErr    error
	PublishErr    error
	DeliveryErr   error
	Canceled      bool
}

// Outcome labels the pass for metrics.
func (r PassResult) Outcome() string {
	switch {
	case r.Canceled:
		return "canceled"
	case len(r.Failed) == 0:
		return "success"
	case len(r.Succeeded) == 0:
		return "failed"
	default:
		return "partial"
	}
}

// Event converts the result into the published event.
func (r PassResult) Event() ranking.PassCompleted {
	failed := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		failed = append(failed, f.Category)
	}
	return ranking.PassCompleted{
		PassID:           r.PassID,
		Date:             r.Bucket.Date,
		Time:             r.Bucket.Time,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		CategoriesOK:     append([]string{}, r.Succeeded...),
		CategoriesFailed: failed,
		RecordsMerged:    r.RecordsMerged,
		TotalRecords:     r.TotalRecords,
		Persisted:        r.PersistErr == nil,
	}
}

// Orchestrator drives crawl passes. Run must not be called concurrently; the
// scheduler guarantees that.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(lo, hi time.Duration) time.Duration

	mu       sync.RWMutex
	state    State
	category string
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, errors.New("orchestrator requires store, fetcher, extractor and clock")
	}
	if cfg.RankingURL == "" {
		return nil, errors.New("orchestrator requires a ranking url")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = category.List()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
		jitter: randomDelay,
	}, nil
}

// State returns the current phase and, while running, the category being crawled.
func (o *Orchestrator) State() (State, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state, o.category
}

func (o *Orchestrator) setState(s State, cat string) {
	o.mu.Lock()
	o.state = s
	o.category = cat
	o.mu.Unlock()
}

// Run executes one pass. Every category is attempted even when earlier ones
// fail. Cancellation is checked between steps; the pass then persists what it
// merged and returns the context error.
func (o *Orchestrator) Run(ctx context.Context) (PassResult, error) {
	startedAt := o.deps.Clock.Now()
	result := PassResult{
		PassID:    o.newPassID(startedAt),
		Bucket:    ranking.NewBucket(startedAt),
		StartedAt: startedAt,
		Succeeded: []string{},
		Failed:    []ranking.FailedCategory{},
	}
	logger := o.logger.With(
		zap.String("pass_id", result.PassID),
		zap.String("bucket", result.Bucket.String()),
	)
	logger.Info("crawl pass started", zap.Int("categories", len(o.cfg.Categories)))
	metrics.SetPassRunning(true)
	defer metrics.SetPassRunning(false)

	if o.deps.Delivery != nil {
		if err := o.deps.Delivery.Prepare(ctx); err != nil {
			logger.Warn("capture cleanup failed", zap.Error(err))
		}
	}

	var runErr error
	for _, cat := range o.cfg.Categories {
		o.setState(StateRunning, cat.ID)
		merged, err := o.crawlCategory(ctx, cat, result.Bucket, logger)
		if err != nil && ctx.Err() != nil {
			runErr = fmt.Errorf("crawl pass canceled: %w", ctx.Err())
			result.Canceled = true
			break
		}
		if err != nil {
			failure := ranking.FailedCategory{
				Category:  cat.ID,
				Timestamp: o.deps.Clock.Now(),
				Error:     err.Error(),
				Status:    ranking.StatusCode(statusOf(err)),
			}
			o.deps.Store.RecordFailure(failure)
			result.Failed = append(result.Failed, failure)
			metrics.ObserveCategory(cat.ID, "failure", 0)
			logger.Error("category crawl failed",
				zap.String("category", cat.ID),
				zap.Int("status", int(failure.Status)),
				zap.Error(err),
			)
			continue
		}
		result.Succeeded = append(result.Succeeded, cat.ID)
		result.RecordsMerged += merged
	}

	o.setState(StateAggregating, "")
	result.TotalRecords = o.deps.Store.RebuildAllRecords()
	if !result.Canceled {
		o.deps.Store.MarkCrawled(o.deps.Clock.Now())
	}

	// Persisting must survive a shutdown signal so the flush still lands.
	persistCtx := context.WithoutCancel(ctx)
	result.PersistErr = o.deps.Store.Persist(persistCtx)
	metrics.ObservePersist(result.PersistErr)
	if result.PersistErr != nil {
		logger.Error("snapshot persist failed", zap.Error(result.PersistErr))
	}
	o.setState(StatePersisted, "")

	result.FinishedAt = o.deps.Clock.Now()
	if !result.Canceled {
		result.PublishErr = o.publish(persistCtx, result)
		if result.PublishErr != nil {
			logger.Warn("pass event publish failed", zap.Error(result.PublishErr))
		}
		if o.deps.Delivery != nil {
			result.DeliveryErr = o.deps.Delivery.Deliver(ctx, result.Bucket)
			if result.DeliveryErr != nil {
				logger.Error("capture delivery failed", zap.Error(result.DeliveryErr))
			}
		}
	}

	metrics.ObservePass(result.Outcome(), result.FinishedAt.Sub(result.StartedAt))
	o.setState(StateScheduledNext, "")
	logger.Info("crawl pass finished",
		zap.String("outcome", result.Outcome()),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("records_merged", result.RecordsMerged),
		zap.Int("total_records", result.TotalRecords),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, runErr
}

func (o *Orchestrator) crawlCategory(
	ctx context.Context,
	cat category.Category,
	bucket ranking.Bucket,
	logger *zap.Logger,
) (int, error) {
	if err := o.sleep(ctx, o.jitter(o.cfg.MinDelay, o.cfg.MaxDelay)); err != nil {
		return 0, err
	}
	url, err := cat.URL(o.cfg.RankingURL)
	if err != nil {
		return 0, fmt.Errorf("build url: %w", err)
	}

	resp, err := o.fetchWithRetry(ctx, ranking.FetchRequest{Category: cat.ID, URL: url}, logger)
	if err != nil {
		return 0, err
	}
	records, err := o.deps.Extractor.Extract(cat, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}
	for i := range records {
		records[i].Date = bucket.Date
		records[i].Time = bucket.Time
		records[i].Category = cat.ID
	}
	if len(records) == 0 {
		logger.Warn("no products found", zap.String("category", cat.ID))
	}

	size := o.deps.Store.MergeCategory(cat.ID, records)
	metrics.ObserveCategory(cat.ID, "success", len(resp.Body))
	metrics.SetStoreRecords(cat.ID, size)
	logger.Info("category crawled",
		zap.String("category", cat.ID),
		zap.Int("products", len(records)),
		zap.Int("history", size),
	)
	return len(records), nil
}

// fetchWithRetry makes up to MaxRetries+1 attempts with a fixed backoff. An
// attempt in flight is bounded by RequestTimeout, not by ctx.
func (o *Orchestrator) fetchWithRetry(
	ctx context.Context,
	req ranking.FetchRequest,
	logger *zap.Logger,
) (ranking.FetchResponse, error) {
	attempts := o.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveFetchRetry(req.Category)
			if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
				return ranking.FetchResponse{}, err
			}
		}
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
		resp, err := o.deps.Fetcher.Fetch(attemptCtx, req)
		cancel()
		if err == nil && (resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
			err = &ranking.FetchError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		logger.Warn("fetch attempt failed",
			zap.String("category", req.Category),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
	}
	return ranking.FetchResponse{}, fmt.Errorf("fetch failed after %d attempts: %w", attempts, lastErr)
}

func (o *Orchestrator) publish(ctx context.Context, result PassResult) error {
	if o.cfg.Topic == "" || o.deps.Publisher == nil {
		return nil
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, result.Event()); err != nil {
		return fmt.Errorf("publish pass event: %w", err)
	}
	return nil
}

func (o *Orchestrator) newPassID(startedAt time.Time) string {
	if o.deps.IDs != nil {
		id, err := o.deps.IDs.NewID()
		if err == nil {
			return id
		}
		o.logger.Warn("pass id generation failed", zap.Error(err))
	}
	return startedAt.Format("20060102T150405")
}

func statusOf(err error) int {
	var fe *ranking.FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
