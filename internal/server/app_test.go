package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/category"
	"github.com/rankwatch/rankwatch/internal/config"
	smtpmail "github.com/rankwatch/rankwatch/internal/mail/smtp"
	memorypublisher "github.com/rankwatch/rankwatch/internal/publisher/memory"
	"github.com/rankwatch/rankwatch/internal/ranking"
	memorysnapshot "github.com/rankwatch/rankwatch/internal/snapshot/memory"
	"github.com/rankwatch/rankwatch/internal/store"
)

const page = `<html><body><div class="TabsConts on"><ul>
<li><div class="prd_info"><span class="tx_brand">Round Lab</span><p class="tx_name">Dokdo Toner</p>
<span class="tx_org">25,000원</span><span class="tx_cur">18,900원</span></div></li>
<li><div class="prd_info"><span class="tx_brand">Anua</span><p class="tx_name">Heartleaf Toner</p>
<span class="tx_cur">21,000원</span></div></li>
</ul></div></body></html>`

type pageFetcher struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *pageFetcher) Fetch(_ context.Context, req ranking.FetchRequest) (ranking.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[req.Category] {
		return ranking.FetchResponse{}, &ranking.FetchError{StatusCode: http.StatusForbidden, Err: errors.New("blocked")}
	}
	return ranking.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(page)}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingMailer struct {
	mu   sync.Mutex
	sent []smtpmail.Message
}

func (m *recordingMailer) Send(_ context.Context, msg smtpmail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) messages() []smtpmail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]smtpmail.Message(nil), m.sent...)
}

type fileCapturer struct{ dir string }

func (c fileCapturer) Capture(_ context.Context, b ranking.Bucket) (ranking.CaptureResult, error) {
	res := ranking.CaptureResult{Bucket: b, Total: len(category.IDs())}
	for _, id := range category.IDs() {
		name := ranking.CaptureFileName(id, b)
		if err := os.WriteFile(filepath.Join(c.dir, name), []byte("jpeg"), 0o600); err != nil {
			return res, err
		}
		res.Files = append(res.Files, name)
		res.Captured = append(res.Captured, id)
	}
	return res, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = config.BackendMemory
	cfg.Crawler.MinDelay = 0
	cfg.Crawler.MaxDelay = 0
	cfg.Crawler.RetryBackoff = 0
	cfg.Capture.Dir = t.TempDir()
	cfg.Schedule.Timezone = "Asia/Seoul"
	return cfg
}

func seoulNow(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return time.Date(2025, 6, 1, 10, 15, 0, 0, loc)
}

func TestRunOnceCrawlsPersistsAndServes(t *testing.T) {
	cfg := testConfig(t)
	cfg.PubSub.Enabled = true
	cfg.PubSub.TopicName = "passes"
	snap := memorysnapshot.New()
	pub := memorypublisher.New()
	fetcher := &pageFetcher{fail: map[string]bool{"bodycare": true}}

	app, err := Build(context.Background(), cfg, zap.NewNop(), Overrides{
		Fetcher:   fetcher,
		Snapshot:  snap,
		Publisher: pub,
		Clock:     fixedClock{now: seoulNow(t)},
	})
	require.NoError(t, err)

	result, err := app.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, len(category.IDs())-1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "bodycare", result.Failed[0].Category)
	assert.Equal(t, ranking.StatusCode(http.StatusForbidden), result.Failed[0].Status)
	assert.Equal(t, ranking.Bucket{Date: "2025-06-01", Time: "10-15"}, result.Bucket)

	require.Len(t, pub.Messages(), 1)
	assert.Equal(t, "passes", pub.Messages()[0].Topic)

	blob, err := snap.Load(context.Background())
	require.NoError(t, err)
	restored := store.Restore(blob, store.Config{})
	assert.Len(t, restored.History("skincare"), 2)
	assert.Empty(t, restored.History("bodycare"))

	req := httptest.NewRequest(http.MethodGet, "/api/ranking?category=skincare", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total int                     `json:"total"`
		Data  []ranking.ProductRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, "Round Lab", body.Data[0].Brand)
	assert.Equal(t, "10-15", body.Data[0].Time)

	require.NoError(t, app.Close(context.Background()))
}

func TestRunOnceDeliversCaptures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mail.Enabled = true
	cfg.Mail.Username = "bot@example.com"
	cfg.Mail.To = []string{"team@example.com"}
	cfg.Capture.Enabled = true
	mailer := &recordingMailer{}

	app, err := Build(context.Background(), cfg, zap.NewNop(), Overrides{
		Fetcher:  &pageFetcher{},
		Mailer:   mailer,
		Capturer: fileCapturer{dir: cfg.Capture.Dir},
		Clock:    fixedClock{now: seoulNow(t)},
	})
	require.NoError(t, err)

	_, err = app.RunOnce(context.Background())
	require.NoError(t, err)

	sent := mailer.messages()
	require.Len(t, sent, 3, "21 captures in parts of 7")
	assert.Equal(t, "올리브영 2025-06-01 10:15 캡처본 (part 1/3, zip 첨부)", sent[0].Subject)
	entries, err := os.ReadDir(cfg.Capture.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, app.Close(context.Background()))
}

func TestRunStopsOnCancelAndFlushes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	cfg.Schedule.RunOnStart = false
	snap := memorysnapshot.New()

	app, err := Build(context.Background(), cfg, zap.NewNop(), Overrides{Fetcher: &pageFetcher{}, Snapshot: snap})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, err = snap.Load(context.Background())
	require.NoError(t, err, "store flushed on shutdown")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestBuildRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.Timezone = "Nowhere/Land"
	_, err := Build(context.Background(), cfg, nil, Overrides{})
	require.Error(t, err)
}
