// Package pending tracks public HTTP requests that have been forwarded
// across a control channel and are waiting for their matching Response
// message to arrive (or for their deadline to pass).
package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/sombochea/tungo/pkg/protocol"
)

// Entry is a single in-flight request awaiting resolution. A request is
// terminated exactly once: by Resolve, by Timeout, or by Cancel — whichever
// happens first claims it and the rest become no-ops.
type Entry struct {
	RequestID string
	Subdomain string
	Method    string
	Path      string
	Size      int
	UserAgent string
	IP        string
	StartedAt time.Time

	result chan result
	once   sync.Once
}

type result struct {
	response *protocol.ResponseMessage
	err      error
}

// Table is a mutex-guarded map from request ID to the Entry awaiting its
// response, grounded on the per-client Streams/DataChan/Done bookkeeping
// the control session used for streamed bodies — generalized here to one
// slot per buffered request/response pair instead of one per byte stream.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable creates an empty pending request table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Add registers a new pending entry for requestID, capturing the request
// metadata a collaborator log record needs regardless of how the request
// is eventually resolved, and returns it. The caller must eventually call
// Resolve, Timeout, or Cancel to remove it.
func (t *Table) Add(requestID, subdomain, method, path string, size int, userAgent, ip string) *Entry {
	e := &Entry{
		RequestID: requestID,
		Subdomain: subdomain,
		Method:    method,
		Path:      path,
		Size:      size,
		UserAgent: userAgent,
		IP:        ip,
		StartedAt: time.Now(),
		result:    make(chan result, 1),
	}

	t.mu.Lock()
	t.entries[requestID] = e
	t.mu.Unlock()

	return e
}

// remove deletes requestID from the table if it is still present and
// reports whether it found (and removed) an entry.
func (t *Table) remove(requestID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	return e, ok
}

// Resolve delivers resp to the waiter for requestID. It is a no-op if the
// request already timed out, was canceled, or does not exist.
func (t *Table) Resolve(requestID string, resp *protocol.ResponseMessage) bool {
	e, ok := t.remove(requestID)
	if !ok {
		return false
	}
	e.once.Do(func() {
		e.result <- result{response: resp}
	})
	return true
}

// Timeout fails the waiter for requestID with a deadline-exceeded error.
// It is a no-op if the request was already resolved or canceled.
func (t *Table) Timeout(requestID string) bool {
	e, ok := t.remove(requestID)
	if !ok {
		return false
	}
	e.once.Do(func() {
		e.result <- result{err: fmt.Errorf("request %s timed out waiting for tunnel response", requestID)}
	})
	return true
}

// Cancel fails the waiter for requestID with the given reason, used when
// the owning control session closes before a response arrives.
func (t *Table) Cancel(requestID string, reason error) bool {
	e, ok := t.remove(requestID)
	if !ok {
		return false
	}
	e.once.Do(func() {
		e.result <- result{err: reason}
	})
	return true
}

// CancelBySubdomain cancels every pending entry belonging to subdomain,
// called when that tunnel's control session disconnects.
func (t *Table) CancelBySubdomain(subdomain string, reason error) int {
	t.mu.Lock()
	var matched []*Entry
	for id, e := range t.entries {
		if e.Subdomain == subdomain {
			matched = append(matched, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range matched {
		e.once.Do(func() {
			e.result <- result{err: reason}
		})
	}
	return len(matched)
}

// Len reports how many requests are currently pending.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Wait blocks until e is resolved or deadline elapses. On deadline it
// calls Timeout itself so the entry never lingers in the table after the
// caller stops watching it.
func (t *Table) Wait(e *Entry, deadline time.Duration) (*protocol.ResponseMessage, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-e.result:
		return r.response, r.err
	case <-timer.C:
		t.Timeout(e.RequestID)
		return nil, fmt.Errorf("request %s timed out waiting for tunnel response", e.RequestID)
	}
}
