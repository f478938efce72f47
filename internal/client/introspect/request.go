package introspect

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request represents a captured HTTP request/response pair
type Request struct {
	ID              string
	Status          int
	IsReplay        bool
	Path            string
	Method          string
	Headers         [][2]string
	BodyData        []byte
	ResponseHeaders [][2]string
	ResponseData    []byte
	Started         time.Time
	Completed       time.Time
}

// Elapsed returns the duration of the request as a formatted string
func (r *Request) Elapsed() string {
	duration := r.Completed.Sub(r.Started)
	if duration.Seconds() < 1 {
		return duration.Round(time.Millisecond).String()
	}
	return duration.Round(time.Second).String()
}

// RequestStore holds captured requests in memory
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

var globalStore = &RequestStore{
	requests: make(map[string]*Request),
}

// GetStore returns the global request store
func GetStore() *RequestStore {
	return globalStore
}

// Add adds a request to the store
func (rs *RequestStore) Add(req *Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.requests[req.ID] = req
}

// Get retrieves a request by ID
func (rs *RequestStore) Get(id string) (*Request, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	req, ok := rs.requests[id]
	return req, ok
}

// GetAll returns all requests
func (rs *RequestStore) GetAll() []*Request {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	requests := make([]*Request, 0, len(rs.requests))
	for _, req := range rs.requests {
		requests = append(requests, req)
	}
	return requests
}

// Clear removes all requests
func (rs *RequestStore) Clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.requests = make(map[string]*Request)
}

// CaptureRequest records one already-completed buffered request/response
// round trip for the dashboard and console log. Since the forwarder deals
// in structured protocol.RequestMessage/ResponseMessage pairs rather than
// raw bytes, there is nothing left to parse here — just record it.
func CaptureRequest(method, path string, reqHeaders map[string][]string, reqBody []byte, status int, respHeaders map[string][]string, respBody []byte, started, completed time.Time) {
	req := &Request{
		ID:              uuid.New().String(),
		Status:          status,
		IsReplay:        false,
		Path:            path,
		Method:          method,
		Headers:         flattenHeaders(reqHeaders),
		BodyData:        reqBody,
		ResponseHeaders: flattenHeaders(respHeaders),
		ResponseData:    respBody,
		Started:         started,
		Completed:       completed,
	}

	GetStore().Add(req)
	ConsoleLog(method, path, status, req.Elapsed())
}

func flattenHeaders(h map[string][]string) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for name, values := range h {
		for _, value := range values {
			pairs = append(pairs, [2]string{name, value})
		}
	}
	return pairs
}
