// Package chromedpcapture takes full-page screenshots of the ranking pages
// with headless Chrome.
package chromedpcapture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/category"
	"github.com/rankwatch/rankwatch/internal/metrics"
	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Config controls the capture run.
type Config struct {
	Dir        string
	RankingURL string
	// ChromePath overrides the browser binary.
	ChromePath   string
	UserAgent    string
	Referer      string
	WindowWidth  int
	WindowHeight int
	// Quality is the JPEG quality, 1..99.
	Quality int
	// ReadySelector must match before a page is captured.
	ReadySelector      string
	NavigationTimeout  time.Duration
	SettleDelay        time.Duration
	CategoryRetries    int
	CategoryRetryDelay time.Duration
	Attempts           int
	AttemptDelay       time.Duration
	BetweenCategories  time.Duration
	Categories         []category.Category
}

func (c *Config) applyDefaults() {
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1920
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1500
	}
	if c.Quality <= 0 || c.Quality >= 100 {
		c.Quality = 90
	}
	if c.ReadySelector == "" {
		c.ReadySelector = ".TabsConts .prd_info"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.CategoryRetries <= 0 {
		c.CategoryRetries = 3
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if len(c.Categories) == 0 {
		c.Categories = category.List()
	}
}

// session is one browser instance reused across categories.
type session interface {
	Shoot(ctx context.Context, url, banner string) ([]byte, error)
	Close()
}

// Capturer implements ranking.Capturer.
type Capturer struct {
	cfg        Config
	logger     *zap.Logger
	newSession func(ctx context.Context) (session, error)
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// New builds a Capturer writing into cfg.Dir.
func New(cfg Config, logger *zap.Logger) (*Capturer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("capture dir is required")
	}
	if cfg.RankingURL == "" {
		return nil, errors.New("capture ranking url is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	c := &Capturer{
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	c.newSession = c.startChrome
	return c, nil
}

// Capture screenshots every category for bucket. Each whole attempt skips the
// categories an earlier attempt already captured. Only a canceled context or
// an unusable capture directory is returned as an error; per-category
// failures are reported in the result.
func (c *Capturer) Capture(ctx context.Context, bucket ranking.Bucket) (ranking.CaptureResult, error) {
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return ranking.CaptureResult{}, fmt.Errorf("create capture dir: %w", err)
	}

	captured := make(map[string]string, len(c.cfg.Categories))
	var lastErrors []ranking.CaptureError
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			c.logger.Info("retrying capture run",
				zap.Int("attempt", attempt),
				zap.Int("captured", len(captured)),
				zap.Int("total", len(c.cfg.Categories)),
			)
			if err := c.sleep(ctx, c.cfg.AttemptDelay); err != nil {
				return c.result(bucket, captured, lastErrors), err
			}
		}
		errs, err := c.attempt(ctx, bucket, captured)
		lastErrors = errs
		if err != nil && ctx.Err() != nil {
			return c.result(bucket, captured, lastErrors), err
		}
		if err != nil {
			c.logger.Error("capture run failed", zap.Int("attempt", attempt), zap.Error(err))
			lastErrors = append(lastErrors, ranking.CaptureError{Category: "*", Error: err.Error(), Timestamp: c.now()})
		}
		if len(captured) == len(c.cfg.Categories) {
			break
		}
	}
	return c.result(bucket, captured, lastErrors), nil
}

func (c *Capturer) attempt(ctx context.Context, bucket ranking.Bucket, captured map[string]string) ([]ranking.CaptureError, error) {
	sess, err := c.newSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	defer sess.Close()

	var errs []ranking.CaptureError
	for _, cat := range c.cfg.Categories {
		if _, done := captured[cat.ID]; done {
			continue
		}
		path, err := c.captureCategory(ctx, sess, cat, bucket)
		metrics.ObserveCapture(err)
		if err != nil {
			if ctx.Err() != nil {
				return errs, ctx.Err()
			}
			errs = append(errs, ranking.CaptureError{Category: cat.ID, Error: err.Error(), Timestamp: c.now()})
			c.logger.Warn("category capture failed", zap.String("category", cat.ID), zap.Error(err))
		} else {
			captured[cat.ID] = path
			c.logger.Info("category captured",
				zap.String("category", cat.ID),
				zap.String("file", filepath.Base(path)),
				zap.Int("progress", len(captured)),
				zap.Int("total", len(c.cfg.Categories)),
			)
		}
		if err := c.sleep(ctx, c.cfg.BetweenCategories); err != nil {
			return errs, err
		}
	}
	return errs, nil
}

func (c *Capturer) captureCategory(
	ctx context.Context,
	sess session,
	cat category.Category,
	bucket ranking.Bucket,
) (string, error) {
	url, err := cat.URL(c.cfg.RankingURL)
	if err != nil {
		return "", fmt.Errorf("build url: %w", err)
	}
	var lastErr error
	for try := 1; try <= c.cfg.CategoryRetries; try++ {
		if try > 1 {
			if err := c.sleep(ctx, c.cfg.CategoryRetryDelay); err != nil {
				return "", err
			}
		}
		img, err := sess.Shoot(ctx, url, cat.Banner())
		if err == nil {
			path := filepath.Join(c.cfg.Dir, ranking.CaptureFileName(cat.ID, bucket))
			if err := os.WriteFile(path, img, 0o644); err != nil {
				return "", fmt.Errorf("write capture: %w", err)
			}
			return path, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Debug("capture try failed",
			zap.String("category", cat.ID),
			zap.Int("try", try),
			zap.Error(err),
		)
	}
	return "", fmt.Errorf("capture failed after %d tries: %w", c.cfg.CategoryRetries, lastErr)
}

func (c *Capturer) result(bucket ranking.Bucket, captured map[string]string, errs []ranking.CaptureError) ranking.CaptureResult {
	res := ranking.CaptureResult{
		Bucket:   bucket,
		Files:    []string{},
		Captured: []string{},
		Errors:   errs,
		Total:    len(c.cfg.Categories),
	}
	for _, cat := range c.cfg.Categories {
		if path, ok := captured[cat.ID]; ok {
			res.Captured = append(res.Captured, cat.ID)
			res.Files = append(res.Files, path)
		}
	}
	return res
}

// chromeSession drives a single headless Chrome instance.
type chromeSession struct {
	cfg         Config
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

func (c *Capturer) startChrome(ctx context.Context) (session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("force-device-scale-factor", "1"),
		chromedp.WindowSize(c.cfg.WindowWidth, c.cfg.WindowHeight),
	)
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	if c.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	headers := network.Headers{"Accept-Language": "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7"}
	if c.cfg.Referer != "" {
		headers["Referer"] = c.cfg.Referer
	}
	// The first Run launches the browser.
	if err := chromedp.Run(browserCtx, network.Enable(), network.SetExtraHTTPHeaders(headers)); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return &chromeSession{cfg: c.cfg, allocCancel: allocCancel, ctx: browserCtx, cancel: cancel}, nil
}

func (s *chromeSession) Shoot(ctx context.Context, url, banner string) ([]byte, error) {
	tctx, cancel := context.WithTimeout(s.ctx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var img []byte
	err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.WaitReady(s.cfg.ReadySelector, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Evaluate(bannerScript(banner), nil),
		chromedp.FullScreenshot(&img, s.cfg.Quality),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return img, nil
}

func (s *chromeSession) Close() {
	s.cancel()
	s.allocCancel()
}

// bannerScript pins a heading with the category name to the top of the page.
func bannerScript(banner string) string {
	text, _ := json.Marshal(banner)
	return `(() => {
  const el = document.createElement('div');
  el.id = 'custom-category-header';
  el.style.cssText = 'position:fixed;top:0;left:0;width:100%;background-color:#333;color:white;text-align:center;padding:10px 0;font-size:16px;font-weight:bold;z-index:9999;';
  el.textContent = ` + string(text) + `;
  document.body.insertBefore(el, document.body.firstChild);
  document.body.style.marginTop = '40px';
})()`
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
