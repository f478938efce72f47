package introspect

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// replayHopByHopHeaders mirrors internal/client/forwarder.go's list —
// stripped before a captured request is replayed against the local server.
var replayHopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/**/*
var staticFS embed.FS

// Dashboard manages the introspection web interface
type Dashboard struct {
	addr      string
	localAddr string
	templates *template.Template
	server    *http.Server
	client    *http.Client
}

// NewDashboard creates a new dashboard server. localAddr is the
// host:port of the local server the tunnel forwards to — the same
// target a captured request, so "replay" can issue a real round trip
// against it.
func NewDashboard(port int, localAddr string) (*Dashboard, error) {
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	// Parse templates with custom functions
	funcMap := template.FuncMap{
		"div": func(a, b int) int {
			if b == 0 {
				return 0
			}
			return a / b
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	d := &Dashboard{
		addr:      addr,
		localAddr: localAddr,
		templates: tmpl,
		client:    &http.Client{Timeout: 30 * time.Second},
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	// Routes
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/detail/", d.handleDetail)
	mux.HandleFunc("/replay/", d.handleReplay)
	mux.HandleFunc("/api/requests", d.handleAPIRequests)
	mux.Handle("/static/", http.FileServer(http.FS(staticFS)))

	d.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return d, nil
}

// Start starts the dashboard server
func (d *Dashboard) Start() error {
	log.Info().Str("addr", d.addr).Msg("Starting introspection dashboard")
	fmt.Printf("\n📊 Dashboard: http://localhost%s\n\n", strings.TrimPrefix(d.addr, "0.0.0.0"))

	if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server error: %w", err)
	}
	return nil
}

// Stop stops the dashboard server
func (d *Dashboard) Stop() error {
	if d.server != nil {
		return d.server.Close()
	}
	return nil
}

// handleIndex displays the list of requests
func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	requests := GetStore().GetAll()

	// Sort by completion time (most recent first)
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Completed.After(requests[j].Completed)
	})

	data := map[string]interface{}{
		"Requests": requests,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		log.Error().Err(err).Msg("Failed to render index template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleDetail displays details of a specific request
func (d *Dashboard) handleDetail(w http.ResponseWriter, r *http.Request) {
	// Extract ID from path
	id := strings.TrimPrefix(r.URL.Path, "/detail/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	req, ok := GetStore().Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := map[string]interface{}{
		"Request":  req,
		"Incoming": parseBodyData(req.BodyData),
		"Response": parseBodyData(req.ResponseData),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "detail.html", data); err != nil {
		log.Error().Err(err).Msg("Failed to render detail template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// handleReplay re-issues a captured request against the local server and
// records the result as a new entry, marked IsReplay so the index can
// tell it apart from the original tunneled traffic.
func (d *Dashboard) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/replay/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	req, ok := GetStore().Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	replayed, err := d.replay(req)
	if err != nil {
		log.Warn().Err(err).Str("id", req.ID).Str("path", req.Path).Msg("replay failed")
		http.Error(w, "replay failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	GetStore().Add(replayed)
	log.Info().Str("id", replayed.ID).Str("path", replayed.Path).Msg("replayed captured request")

	http.Redirect(w, r, "/detail/"+replayed.ID, http.StatusSeeOther)
}

// replay issues req against the configured local server and returns the
// round trip as a fresh Request, independent from the original capture.
func (d *Dashboard) replay(req *Request) (*Request, error) {
	started := time.Now()
	targetURL := fmt.Sprintf("http://%s%s", d.localAddr, req.Path)

	httpReq, err := http.NewRequest(req.Method, targetURL, bytes.NewReader(req.BodyData))
	if err != nil {
		return nil, fmt.Errorf("failed to build replay request: %w", err)
	}
	for _, kv := range req.Headers {
		if _, skip := replayHopByHopHeaders[kv[0]]; skip {
			continue
		}
		httpReq.Header.Add(kv[0], kv[1])
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("replay request failed: %w", err)
	}
	defer resp.Body.Close()

	var respBody bytes.Buffer
	if _, err := respBody.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read replay response: %w", err)
	}

	respHeaders := make([][2]string, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, [2]string{name, v})
		}
	}

	return &Request{
		ID:              uuid.New().String(),
		Status:          resp.StatusCode,
		IsReplay:        true,
		Path:            req.Path,
		Method:          req.Method,
		Headers:         req.Headers,
		BodyData:        req.BodyData,
		ResponseHeaders: respHeaders,
		ResponseData:    respBody.Bytes(),
		Started:         started,
		Completed:       time.Now(),
	}, nil
}

// handleAPIRequests returns requests as JSON
func (d *Dashboard) handleAPIRequests(w http.ResponseWriter, r *http.Request) {
	requests := GetStore().GetAll()

	// Sort by completion time (most recent first)
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Completed.After(requests[j].Completed)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(requests)
}

// BodyData represents parsed body data for display
type BodyData struct {
	DataType string
	Content  string
	Raw      string
}

// parseBodyData attempts to parse body data (JSON, etc.)
func parseBodyData(data []byte) BodyData {
	body := BodyData{
		DataType: "unknown",
		Raw:      string(data),
	}

	if len(data) == 0 {
		body.Raw = ""
		return body
	}

	// Try to parse as JSON
	var jsonData interface{}
	if err := json.Unmarshal(data, &jsonData); err == nil {
		body.DataType = "json"
		if formatted, err := json.MarshalIndent(jsonData, "", "  "); err == nil {
			body.Content = string(formatted)
		}
	}

	return body
}
