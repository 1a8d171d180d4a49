package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines a fixed response for a mock API path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a paginated JSON API for testing HTTP sources.
//
// Datasets registered with SetDataset are served as
// {"items": [...], "next_cursor": "<offset>"} pages. GET requests scan the
// dataset, POST requests with {"condition", "limit", "cursor"} return items
// whose JSON encoding contains the condition. The last page omits next_cursor.
type MockAPI struct {
	server *httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	datasets map[string][]json.RawMessage
	failures map[int]MockResponse

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	Cursors           []string
}

// NewMockAPI creates and starts a mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]http.HandlerFunc),
		datasets: make(map[string][]json.RawMessage),
		failures: make(map[int]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		n := mock.RequestCount
		mock.LastRequestHeader = r.Header.Clone()
		failure, failing := mock.failures[n]
		handler, hasHandler := mock.handlers[r.URL.Path]
		_, hasDataset := mock.datasets[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case failing:
			writeResponse(w, failure)
		case hasHandler:
			handler(w, r)
		case hasDataset:
			mock.serveDataset(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetDataset registers items served page by page at path.
func (m *MockAPI) SetDataset(path string, items ...any) error {
	raw := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[path] = raw
	return nil
}

// FailRequest makes the n-th request (1-based, counted over all paths)
// answer with resp.
func (m *MockAPI) FailRequest(n int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[n] = resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetCursors returns the cursor of every dataset request, "" for none.
func (m *MockAPI) GetCursors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Cursors...)
}

type mockQuery struct {
	Condition string  `json:"condition"`
	Limit     int     `json:"limit"`
	Cursor    *string `json:"cursor"`
}

func (m *MockAPI) serveDataset(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")
	condition := ""

	if r.Method == http.MethodPost {
		var q mockQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, `{"error": "invalid query body"}`, http.StatusBadRequest)
			return
		}
		condition = q.Condition
		if q.Limit > 0 {
			limit = q.Limit
		}
		if q.Cursor != nil {
			cursor = *q.Cursor
		}
	}
	if limit <= 0 {
		limit = 10
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			http.Error(w, `{"error": "invalid cursor"}`, http.StatusBadRequest)
			return
		}
		offset = n
	}

	m.mu.Lock()
	m.Cursors = append(m.Cursors, cursor)
	all := m.datasets[r.URL.Path]
	m.mu.Unlock()

	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	items := make([]json.RawMessage, 0, end-offset)
	for _, item := range all[offset:end] {
		if condition == "" || strings.Contains(string(item), condition) {
			items = append(items, item)
		}
	}

	body := map[string]any{"items": items}
	if end < len(all) {
		body["next_cursor"] = strconv.Itoa(end)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewMalformedResponse creates a 200 response whose body is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"items": [`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}
