package ranking

import (
	"context"
	"errors"
	"time"

	"github.com/rankwatch/rankwatch/internal/category"
)

// Fetcher retrieves the raw ranking page for a category.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns raw page content into ranked records. Implementations fill
// rank, brand, name, prices and promotion; the caller stamps bucket and category.
type Extractor interface {
	Extract(cat category.Category, page []byte) ([]ProductRecord, error)
}

// SnapshotStore persists the serialized store.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Publisher pushes pass events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Capturer takes screenshots of every category page for a bucket.
type Capturer interface {
	Capture(ctx context.Context, bucket Bucket) (CaptureResult, error)
}

// Delivery hands a finished pass to the capture, packaging and mail pipeline.
type Delivery interface {
	Prepare(ctx context.Context) error
	Deliver(ctx context.Context, bucket Bucket) error
}

// Notifier reports unexpected failures to an operator.
type Notifier interface {
	NotifyFailure(ctx context.Context, subject string, err error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces pass IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ErrSnapshotNotFound is returned by a SnapshotStore that holds no snapshot yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")
