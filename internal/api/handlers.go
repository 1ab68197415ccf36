package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/ranking"
	"github.com/rankwatch/rankwatch/internal/store"
)

const (
	msgNoCategoryData = "해당 카테고리의 데이터가 없습니다. 크롤링이 필요합니다."
	msgSearchParams   = "검색어와 시작 날짜를 입력해주세요."
	msgWaiting        = "서버 시작 후 크롤링 대기 중"
	msgNoCrawlYet     = "서버가 시작되었지만 아직 첫 크롤링이 실행되지 않았습니다."
	msgFileNotFound   = "파일을 찾을 수 없습니다."

	lastCrawlLayout = "2006. 01. 02. 15:04:05"
	nextCrawlLayout = "2006 01 02 15:04"
)

type rankingResponse struct {
	Success   bool                    `json:"success"`
	Data      []ranking.ProductRecord `json:"data"`
	Total     int                     `json:"total"`
	Category  string                  `json:"category"`
	FromCache bool                    `json:"fromCache,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

type searchResponse struct {
	Success bool                    `json:"success"`
	Data    []ranking.ProductRecord `json:"data"`
	Total   int                     `json:"total"`
}

type crawlTimeResponse struct {
	Success         bool   `json:"success"`
	LastCrawlTime   string `json:"lastCrawlTime"`
	NextCrawlTime   string `json:"nextCrawlTime,omitempty"`
	Message         string `json:"message,omitempty"`
	CrawlInProgress bool   `json:"crawlInProgress"`
}

type captureFile struct {
	Filename string    `json:"filename"`
	Category string    `json:"category"`
	Date     string    `json:"date"`
	Time     string    `json:"time"`
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func dateRange(r *http.Request) ranking.DateRange {
	q := r.URL.Query()
	return ranking.DateRange{
		Start: strings.TrimSpace(q.Get("startDate")),
		End:   strings.TrimSpace(q.Get("endDate")),
	}
}

// getRanking handles GET /api/ranking?category=&startDate=&endDate=. A
// category without data is a successful empty response.
func (s *Server) getRanking(w http.ResponseWriter, r *http.Request) {
	cat := strings.TrimSpace(r.URL.Query().Get("category"))
	if cat == "" {
		cat = s.cfg.DefaultCategory
	}
	records, ok := s.store.QueryByCategory(cat, dateRange(r))
	if !ok {
		writeJSON(w, http.StatusOK, rankingResponse{
			Success:  true,
			Data:     []ranking.ProductRecord{},
			Category: cat,
			Message:  msgNoCategoryData,
		})
		return
	}
	writeJSON(w, http.StatusOK, rankingResponse{
		Success:   true,
		Data:      records,
		Total:     len(records),
		Category:  cat,
		FromCache: true,
	})
}

// search handles GET /api/search?keyword=&startDate=&endDate=&category=.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	dates := dateRange(r)
	if keyword == "" || dates.Start == "" {
		writeError(w, http.StatusBadRequest, msgSearchParams)
		return
	}
	results := s.store.Search(store.SearchQuery{
		Keyword:  keyword,
		Dates:    dates,
		Category: strings.TrimSpace(q.Get("category")),
	})
	writeJSON(w, http.StatusOK, searchResponse{Success: true, Data: results, Total: len(results)})
}

// lastCrawlTime handles GET /api/last-crawl-time.
func (s *Server) lastCrawlTime(w http.ResponseWriter, _ *http.Request) {
	resp := crawlTimeResponse{Success: true}
	if s.schedule != nil {
		resp.NextCrawlTime = s.schedule.Next().In(s.cfg.Location).Format(nextCrawlLayout)
		resp.CrawlInProgress = s.schedule.Running()
	}
	last, ok := s.store.LastCrawl()
	if !ok {
		resp.LastCrawlTime = msgWaiting
		resp.Message = msgNoCrawlYet
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.LastCrawlTime = last.In(s.cfg.Location).Format(lastCrawlLayout)
	writeJSON(w, http.StatusOK, resp)
}

// failures handles GET /api/failures?limit=.
func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailuresLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailuresLimit)
	}
	failed := s.store.FailedCategories(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    failed,
		"total":   len(failed),
	})
}

// listCaptures handles GET /api/captures.
func (s *Server) listCaptures(w http.ResponseWriter, _ *http.Request) {
	files := []captureFile{}
	if s.cfg.CaptureDir != "" {
		entries, err := os.ReadDir(s.cfg.CaptureDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("list captures failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list captures")
			return
		}
		for _, e := range entries {
			cat, bucket, ok := ranking.ParseCaptureFileName(e.Name())
			if !ok || e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, captureFile{
				Filename: e.Name(),
				Category: cat,
				Date:     bucket.Date,
				Time:     bucket.Time,
				URL:      "/captures/" + e.Name(),
				Size:     info.Size(),
				Modified: info.ModTime(),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    files,
		"total":   len(files),
	})
}

// download handles GET /api/download/{filename}.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if s.cfg.CaptureDir == "" {
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.CaptureDir, name)) //nolint:gosec // name is a single path element
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("open capture failed", zap.String("file", name), zap.Error(err))
		}
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
