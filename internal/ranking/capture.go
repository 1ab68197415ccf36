package ranking

import (
	"strings"
	"time"
)

const (
	captureFilePrefix = "ranking_"
	// CaptureFileExt is the extension of captured screenshots.
	CaptureFileExt = ".jpeg"
)

// CaptureFileName names the screenshot of a category for a bucket:
// ranking_<category>_<YYYY-MM-DD>_<HH-MM>.jpeg.
func CaptureFileName(categoryID string, b Bucket) string {
	return captureFilePrefix + categoryID + "_" + b.Date + "_" + b.Time + CaptureFileExt
}

// ParseCaptureFileName reverses CaptureFileName. Category ids may contain
// underscores, so the bucket is read from the end.
func ParseCaptureFileName(name string) (string, Bucket, bool) {
	if !strings.HasPrefix(name, captureFilePrefix) || !strings.HasSuffix(name, CaptureFileExt) {
		return "", Bucket{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, captureFilePrefix), CaptureFileExt)
	// "_" + date + "_" + time
	const tail = 1 + len(DateLayout) + 1 + len(TimeLayout)
	if len(core) <= tail {
		return "", Bucket{}, false
	}
	cat, rest := core[:len(core)-tail], core[len(core)-tail:]
	if rest[0] != '_' || rest[1+len(DateLayout)] != '_' {
		return "", Bucket{}, false
	}
	b := Bucket{Date: rest[1 : 1+len(DateLayout)], Time: rest[2+len(DateLayout):]}
	if _, err := time.Parse(DateLayout, b.Date); err != nil {
		return "", Bucket{}, false
	}
	if _, err := time.Parse(TimeLayout, b.Time); err != nil {
		return "", Bucket{}, false
	}
	return cat, b, true
}

// IsCaptureFile reports whether name looks like a screenshot this service wrote.
func IsCaptureFile(name string) bool {
	_, _, ok := ParseCaptureFileName(name)
	return ok
}
