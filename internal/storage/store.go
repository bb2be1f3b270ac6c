package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"recordable/server/internal/score"
)

var (
	// ErrNotFound is returned when no score exists for an identifier.
	ErrNotFound = errors.New("score not found")
	// ErrRequestClosed is returned by Data after the request has been released.
	ErrRequestClosed = errors.New("score request closed")
)

// Store persists encoded scores and serves them back by identifier.
type Store interface {
	// StoreScore persists a copy of data and returns its new identifier.
	StoreScore(ctx context.Context, data []byte) (score.ID, error)
	// RequestScore opens a read handle on a persisted score. Callers must Close it.
	RequestScore(ctx context.Context, id score.ID) (*Request, error)
}

// Lister is implemented by stores that can enumerate their contents.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
}

// Deleter is implemented by stores that can remove a score.
type Deleter interface {
	Delete(ctx context.Context, id score.ID) error
}

// Info describes a persisted score without loading its bytes.
type Info struct {
	ID        score.ID  `json:"id"`
	Bytes     int       `json:"bytes"`
	FinalTick int       `json:"final_tick"`
	Codec     string    `json:"codec"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is a scoped, read-only view of a persisted score. The view stays valid until
// Close; callers must not retain or mutate the returned slice.
type Request struct {
	id      score.ID
	mu      sync.Mutex
	data    []byte
	release func()
	closed  bool
}

// NewRequest wraps data in a request handle. release runs once when the request closes.
func NewRequest(id score.ID, data []byte, release func()) *Request {
	return &Request{id: id, data: data, release: release}
}

// ID returns the identifier the request was opened for.
func (r *Request) ID() score.ID { return r.id }

// Data returns the score bytes, or nil once the request is closed.
func (r *Request) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.data
}

// Close releases the view. Close is idempotent.
func (r *Request) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.data = nil
	if r.release != nil {
		r.release()
	}
	return nil
}

// Load copies a score out of store and releases the request.
func Load(ctx context.Context, store Store, id score.ID) ([]byte, error) {
	req, err := store.RequestScore(ctx, id)
	if err != nil {
		return nil, err
	}
	defer req.Close()
	data := req.Data()
	if data == nil {
		return nil, ErrRequestClosed
	}
	return append([]byte(nil), data...), nil
}

// describe extracts the catalogue metadata of an encoded score, reporting -1 for
// records that do not parse.
func describe(data []byte) int {
	final, err := score.Walk(data, nil)
	if err != nil {
		return -1
	}
	return final
}
