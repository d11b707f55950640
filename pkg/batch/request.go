package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// Op is the operation kind of a batched request. Requests are grouped by Op
// when a batch executes.
type Op string

const (
	OpGet    Op = Op(store.OpGet)
	OpSet    Op = Op(store.OpSet)
	OpDel    Op = Op(store.OpDel)
	OpExists Op = Op(store.OpExists)
	OpIncr   Op = Op(store.OpIncr)
	// OpSearch has no bulk primitive and runs one request at a time.
	OpSearch Op = "SEARCH"
)

// Valid reports whether op is a known operation kind.
func (op Op) Valid() bool {
	switch op {
	case OpGet, OpSet, OpDel, OpExists, OpIncr, OpSearch:
		return true
	}
	return false
}

// Request is one caller operation submitted to the Batcher.
type Request struct {
	// ID identifies the request in its Response; generated when empty.
	ID    string        `json:"id"`
	Op    Op            `json:"op"`
	Key   string        `json:"key,omitempty"`
	Value string        `json:"value,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
	// Search is required for OpSearch and ignored otherwise.
	Search *store.SearchQuery `json:"search,omitempty"`
	// Priority selects the queue; higher drains first. Values above the
	// configured levels land in the highest queue, negatives in the lowest.
	Priority int `json:"priority"`
}

// Response is the outcome of a request that reached the store.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	// Data holds the reply of key operations.
	Data store.Reply `json:"-"`
	// Search holds the result of OpSearch requests.
	Search *store.SearchResult `json:"search,omitempty"`
	// Err is the command-level error when Success is false.
	Err error `json:"-"`
}

// Future is the completion handle of a submitted request. It completes
// exactly once, either resolved with a Response or rejected with an error.
type Future struct {
	done      chan struct{}
	completed atomic.Bool
	resp      *Response
	err       error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future with resp. Later completions are ignored.
func (f *Future) resolve(resp *Response) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	f.resp = resp
	close(f.done)
	return true
}

// reject completes the future with err. Later completions are ignored.
func (f *Future) reject(err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. A rejected request
// returns a nil Response and the rejection error; a request the store
// answered returns its Response, which may carry Success=false.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
