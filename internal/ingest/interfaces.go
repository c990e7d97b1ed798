package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by the pipeline collaborators.
var (
	// ErrFetchExhausted is returned once every fetch attempt for a page failed.
	ErrFetchExhausted = errors.New("fetch attempts exhausted")
	// ErrPayloadNotFound means a page carried no usable embedded data block.
	ErrPayloadNotFound = errors.New("embedded listing payload not found")
	// ErrInvalidListing marks a sold-property node missing required fields.
	ErrInvalidListing = errors.New("invalid listing")
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns a raw search page into sale records.
type Extractor interface {
	PageCount(body []byte) (int, error)
	Extract(body []byte) (PageResult, error)
}

// SaleStore persists sales and reports the stored watermark.
type SaleStore interface {
	Upsert(ctx context.Context, sale ApartmentSale) error
	Watermark(ctx context.Context) (Watermark, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to name archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
