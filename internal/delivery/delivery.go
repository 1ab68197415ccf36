// Package delivery packages the screenshots of a pass into zip parts and
// mails them. It also owns capture cleanup and the operator error mails.
package delivery

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	smtpmail "github.com/rankwatch/rankwatch/internal/mail/smtp"
	"github.com/rankwatch/rankwatch/internal/metrics"
	"github.com/rankwatch/rankwatch/internal/ranking"
)

const (
	// DefaultPartSize is the number of screenshots per zip part.
	DefaultPartSize = 7
	// DefaultSubjectPrefix names the site in mail subjects.
	DefaultSubjectPrefix = "올리브영"

	mailKindCaptures     = "captures"
	mailKindCaptureError = "capture_error"
	mailKindCrawlError   = "crawl_error"
)

// Mailer sends one message.
type Mailer interface {
	Send(ctx context.Context, msg smtpmail.Message) error
}

// Config controls packaging and recipients.
type Config struct {
	// Dir holds the screenshots written by the capturer.
	Dir      string
	PartSize int
	To       []string
	// ErrorTo receives capture and crawl error mails.
	ErrorTo       []string
	SubjectPrefix string
	Location      *time.Location
}

// Pipeline implements ranking.Delivery and ranking.Notifier.
type Pipeline struct {
	cfg      Config
	capturer ranking.Capturer
	mailer   Mailer
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a Pipeline. capturer may be nil, in which case Deliver is a no-op.
func New(cfg Config, capturer ranking.Capturer, mailer Mailer, logger *zap.Logger) (*Pipeline, error) {
	if cfg.Dir == "" {
		return nil, errors.New("capture dir is required")
	}
	if mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		cfg:      cfg,
		capturer: capturer,
		mailer:   mailer,
		logger:   logger.Named("delivery"),
		now:      time.Now,
	}, nil
}

// Prepare removes the screenshots left over from earlier passes.
func (p *Pipeline) Prepare(ctx context.Context) error {
	removed, err := p.remove(ctx, func(string, ranking.Bucket) bool { return true })
	if removed > 0 {
		p.logger.Info("removed previous captures", zap.Int("files", removed))
	}
	return err
}

// Janitor removes screenshots dated before today. It runs daily at midnight.
func (p *Pipeline) Janitor(ctx context.Context) error {
	today := p.now().In(p.cfg.Location).Format(ranking.DateLayout)
	removed, err := p.remove(ctx, func(_ string, b ranking.Bucket) bool { return b.Date < today })
	p.logger.Info("capture janitor finished", zap.Int("files", removed), zap.String("before", today))
	return err
}

func (p *Pipeline) remove(ctx context.Context, match func(string, ranking.Bucket) bool) (int, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read capture dir: %w", err)
	}
	var (
		removed int
		errs    error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, multierr.Append(errs, err)
		}
		if e.IsDir() {
			continue
		}
		cat, bucket, ok := ranking.ParseCaptureFileName(e.Name())
		if !ok || !match(cat, bucket) {
			continue
		}
		if err := os.Remove(filepath.Join(p.cfg.Dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", e.Name(), err))
			continue
		}
		removed++
	}
	return removed, errs
}

// Deliver captures every category for bucket and mails the result. An
// incomplete capture sends an error mail instead and leaves the files for the
// next cleanup.
func (p *Pipeline) Deliver(ctx context.Context, bucket ranking.Bucket) error {
	if p.capturer == nil {
		return nil
	}
	result, err := p.capturer.Capture(ctx, bucket)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if !result.Complete() {
		p.logger.Warn("capture incomplete",
			zap.String("bucket", bucket.String()),
			zap.Int("captured", len(result.Captured)),
			zap.Int("total", result.Total),
		)
		return p.sendCaptureError(ctx, result)
	}
	return p.SendCaptures(ctx, bucket)
}

// SendCaptures mails the screenshots of bucket in zip parts and deletes them
// afterwards. A failed part is logged and the remaining parts are still sent.
func (p *Pipeline) SendCaptures(ctx context.Context, bucket ranking.Bucket) error {
	files, err := p.bucketFiles(bucket)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		p.logger.Info("no captures to send", zap.String("bucket", bucket.String()))
		return nil
	}
	parts := chunk(files, p.cfg.PartSize)
	var errs error
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := p.sendPart(ctx, bucket, i+1, len(parts), part); err != nil {
			p.logger.Error("capture mail failed", zap.Int("part", i+1), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	for _, f := range files {
		if err := os.Remove(filepath.Join(p.cfg.Dir, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove sent capture", zap.String("file", f), zap.Error(err))
		}
	}
	return errs
}

func (p *Pipeline) sendPart(ctx context.Context, bucket ranking.Bucket, idx, total int, files []string) error {
	data, err := p.zipFiles(files)
	if err != nil {
		return err
	}
	cats := make([]string, 0, len(files))
	for _, f := range files {
		cat, _, _ := ranking.ParseCaptureFileName(f)
		cats = append(cats, cat)
	}
	name := ZipName(bucket, idx)
	subject := fmt.Sprintf("%s %s %s 캡처본 (part %d/%d, zip 첨부)",
		p.cfg.SubjectPrefix, bucket.Date, strings.Replace(bucket.Time, "-", ":", 1), idx, total)
	msg := smtpmail.Message{
		To:      p.cfg.To,
		Subject: subject,
		Body:    "이번 메일에는 다음 카테고리 캡처가 포함되어 있습니다:\n" + strings.Join(cats, ", "),
		Attachments: []smtpmail.Attachment{{
			Filename:    name,
			ContentType: "application/zip",
			Data:        data,
		}},
	}
	err = p.mailer.Send(ctx, msg)
	metrics.ObserveMail(mailKindCaptures, err)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	p.logger.Info("capture mail sent",
		zap.String("subject", subject),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.Int("files", len(files)),
	)
	return nil
}

// ZipName names zip part idx (1-based) of bucket.
func ZipName(bucket ranking.Bucket, idx int) string {
	return fmt.Sprintf("captures_%s_%s_part%d.zip", bucket.Date, bucket.Time, idx)
}

func (p *Pipeline) bucketFiles(bucket ranking.Bucket) ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read capture dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, b, ok := ranking.ParseCaptureFileName(e.Name()); ok && b == bucket {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) zipFiles(files []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	for _, name := range files {
		if err := addFile(zw, filepath.Join(p.cfg.Dir, name), name); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path) //nolint:gosec // path is built from a directory listing
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip write %s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) sendCaptureError(ctx context.Context, result ranking.CaptureResult) error {
	errs, err := json.MarshalIndent(result.Errors, "", "  ")
	if err != nil {
		return fmt.Errorf("encode capture errors: %w", err)
	}
	body := fmt.Sprintf("오류 발생 시각: %s\n\n실패한 카테고리:\n%s\n\n성공한 카테고리:\n%s",
		p.timestamp(), errs, strings.Join(result.Captured, ", "))
	err = p.mailer.Send(ctx, smtpmail.Message{
		To:      p.errorRecipients(),
		Subject: fmt.Sprintf("[%s 캡처 오류] 일부 카테고리 캡처 실패", p.cfg.SubjectPrefix),
		Body:    body,
	})
	metrics.ObserveMail(mailKindCaptureError, err)
	if err != nil {
		return fmt.Errorf("send capture error mail: %w", err)
	}
	return nil
}

// NotifyFailure mails an operator about a failed pass. Mail errors are only logged.
func (p *Pipeline) NotifyFailure(ctx context.Context, subject string, cause error) {
	title := fmt.Sprintf("[%s 크롤링 오류]", p.cfg.SubjectPrefix)
	if subject != "" {
		title += " " + subject
	}
	detail := "unknown error"
	if cause != nil {
		detail = cause.Error()
	}
	err := p.mailer.Send(ctx, smtpmail.Message{
		To:      p.errorRecipients(),
		Subject: title,
		Body:    fmt.Sprintf("오류 발생 시각: %s\n\n에러 내용:\n%s", p.timestamp(), detail),
	})
	metrics.ObserveMail(mailKindCrawlError, err)
	if err != nil {
		p.logger.Error("crawl error mail failed", zap.Error(err))
	}
}

func (p *Pipeline) errorRecipients() []string {
	if len(p.cfg.ErrorTo) > 0 {
		return p.cfg.ErrorTo
	}
	return p.cfg.To
}

func (p *Pipeline) timestamp() string {
	return p.now().In(p.cfg.Location).Format("2006-01-02 15:04:05 MST")
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
