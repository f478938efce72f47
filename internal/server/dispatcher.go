package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/sombochea/tungo/internal/collab"
	"github.com/sombochea/tungo/internal/pending"
	"github.com/sombochea/tungo/internal/proxy"
	"github.com/sombochea/tungo/internal/registry"
	"github.com/sombochea/tungo/pkg/protocol"
)

// hopByHopHeaders are stripped from both directions of the proxied
// request, per RFC 7230 §6.1 — they describe this hop's connection, not
// the tunneled one.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Dispatcher is the public-facing edge: it maps an inbound request's
// subdomain to a tunnel's control session, forwards a buffered Request
// message, and waits on the pending table for the matching Response.
type Dispatcher struct {
	connMgr        *ConnectionManager
	pending        *pending.Table
	serverProxy    *proxy.ServerProxy
	collaborator   collab.Collaborator
	baseDomain     string
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewDispatcher creates a new edge dispatcher. serverProxy may be nil when
// the server isn't running in distributed mode.
func NewDispatcher(connMgr *ConnectionManager, table *pending.Table, serverProxy *proxy.ServerProxy, collaborator collab.Collaborator, baseDomain string, requestTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		connMgr:        connMgr,
		pending:        table,
		serverProxy:    serverProxy,
		collaborator:   collaborator,
		baseDomain:     baseDomain,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// ExtractSubdomain returns the tunnel subdomain implied by host, or ""
// if host is the bare base domain (or doesn't belong to it at all).
//
// This compares the full "."+baseDomain suffix rather than counting
// dot-separated labels, which is the fix for the bug a label-counting
// approach has on multi-label base domains (e.g. "tungo.example.com"):
// counting labels cannot tell "foo.tungo.example.com" (subdomain "foo")
// apart from a request that arrived for the base domain itself under a
// different, equally multi-label host.
func (d *Dispatcher) ExtractSubdomain(host string) string {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}

	suffix := "." + strings.ToLower(d.baseDomain)
	if host == strings.ToLower(d.baseDomain) {
		return ""
	}
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

// Handle is the Fiber catch-all handler for every public request.
func (d *Dispatcher) Handle(c fiber.Ctx) error {
	subdomain := d.ExtractSubdomain(c.Host())
	if subdomain == "" {
		return fiber.ErrNotFound
	}

	if d.serverProxy != nil {
		shouldProxy, tunnelInfo, err := d.serverProxy.ShouldProxy(subdomain)
		if err == nil && shouldProxy {
			return d.proxyToRemoteServer(c, tunnelInfo)
		}
	}

	client, ok := d.connMgr.GetClientBySubDomain(subdomain)
	if !ok {
		return c.Status(fiber.StatusNotFound).SendString("tunnel not found: " + subdomain)
	}

	requestID := protocol.GenerateRequestID()
	method := c.Method()
	path := d.pathWithQuery(c)
	started := time.Now()
	entry := d.pending.Add(requestID, subdomain, method, path, len(c.Body()), c.Get("User-Agent"), c.IP())

	reqMsg := &protocol.RequestMessage{
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   filteredHeaders(c.GetReqHeaders()),
		Body:      protocol.EncodeBody(c.Body()),
	}

	msg, err := protocol.NewMessage(protocol.MessageTypeRequest, reqMsg)
	if err != nil {
		d.pending.Cancel(requestID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("failed to build request message")
	}

	if err := client.SendMessage(msg); err != nil {
		d.pending.Cancel(requestID, err)
		return c.Status(fiber.StatusBadGateway).SendString("tunnel is not accepting requests")
	}

	resp, err := d.pending.Wait(entry, d.requestTimeout)
	if err != nil {
		d.logger.Warn().Err(err).Str("subdomain", subdomain).Str("request_id", requestID).Msg("request did not complete")
		go d.logRequest(entry, fiber.StatusGatewayTimeout, 0, started)
		return c.Status(fiber.StatusGatewayTimeout).SendString(err.Error())
	}

	body, _ := protocol.DecodeBody(resp.Body)
	go d.logRequest(entry, resp.StatusCode, len(body), started)

	return d.writeResponse(c, resp)
}

// logRequest hands a completed (or timed-out/canceled) request to the
// collaborator. Callers run it on its own goroutine, so persistence never
// gates the response — a timeout still logs, with a zero response size.
func (d *Dispatcher) logRequest(e *pending.Entry, statusCode, responseSize int, started time.Time) {
	logEntry := collab.RequestLogEntry{
		Subdomain:    e.Subdomain,
		Method:       e.Method,
		Path:         e.Path,
		StatusCode:   statusCode,
		ResponseSize: responseSize,
		UserAgent:    e.UserAgent,
		IP:           e.IP,
		Started:      started,
		Completed:    time.Now(),
	}
	if err := d.collaborator.PersistRequestLog(context.Background(), logEntry); err != nil {
		d.logger.Warn().Err(err).Str("subdomain", e.Subdomain).Msg("collaborator failed to persist request log")
	}
}

// proxyToRemoteServer forwards a request to the cluster server that owns
// the tunnel, for multi-edge deployments sharing one Redis-backed registry.
func (d *Dispatcher) proxyToRemoteServer(c fiber.Ctx, tunnelInfo *registry.TunnelInfo) error {
	w := &fiberResponseWriter{c: c, headers: make(map[string][]string)}
	r, err := http.NewRequest(c.Method(), d.pathWithQuery(c), nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("failed to build proxy request")
	}
	r.Host = c.Host()
	c.Request().Header.VisitAll(func(key, value []byte) {
		r.Header.Add(string(key), string(value))
	})

	if err := d.serverProxy.ProxyToServer(w, r, tunnelInfo); err != nil {
		d.logger.Error().Err(err).Str("target_server", tunnelInfo.ServerID).Msg("failed to proxy to remote server")
		return c.Status(fiber.StatusBadGateway).SendString("failed to reach remote tunnel server")
	}

	for k, vals := range w.headers {
		for _, v := range vals {
			c.Append(k, v)
		}
	}
	status := w.status
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).Send(w.body)
}

func (d *Dispatcher) pathWithQuery(c fiber.Ctx) string {
	path := c.Path()
	if query := string(c.Request().URI().QueryString()); query != "" {
		path += "?" + query
	}
	return path
}

func (d *Dispatcher) writeResponse(c fiber.Ctx, resp *protocol.ResponseMessage) error {
	if resp.Error != "" {
		status := resp.StatusCode
		if status == 0 {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).SendString(resp.Error)
	}

	for key, values := range resp.Headers {
		if _, skip := hopByHopHeaders[key]; skip {
			continue
		}
		for _, v := range values {
			c.Append(key, v)
		}
	}

	body, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).SendString("failed to decode tunnel response body")
	}

	statusCode := resp.StatusCode
	if statusCode == 0 {
		statusCode = fiber.StatusOK
	}
	return c.Status(statusCode).Send(body)
}

func filteredHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		if _, skip := hopByHopHeaders[canonicalHeader(k)]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

func canonicalHeader(k string) string {
	if len(k) == 0 {
		return k
	}
	b := []byte(strings.ToLower(k))
	upperNext := true
	for i, c := range b {
		if upperNext && c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
		upperNext = c == '-'
	}
	return string(b)
}

// fiberResponseWriter adapts a fiber.Ctx to http.ResponseWriter so
// proxy.ServerProxy (written against net/http) can write a cross-server
// proxied response back through it.
type fiberResponseWriter struct {
	c       fiber.Ctx
	headers map[string][]string
	body    []byte
	status  int
}

func (w *fiberResponseWriter) Header() http.Header {
	return http.Header(w.headers)
}

func (w *fiberResponseWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return len(b), nil
}

func (w *fiberResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
}
