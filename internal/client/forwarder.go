package client

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sombochea/tungo/internal/client/introspect"
	"github.com/sombochea/tungo/internal/liveness"
	"github.com/sombochea/tungo/pkg/config"
	"github.com/sombochea/tungo/pkg/protocol"
	"github.com/sombochea/tungo/pkg/version"
)

// hopByHopHeaders mirrors internal/server/dispatcher.go's list; stripped
// before a request is replayed against the local server.
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

// TunnelClient is the client-side tunnel forwarder: it holds the control
// channel, forwards each buffered Request to the local HTTP server, and
// ships the Response back. Each request is one self-contained round trip
// — no per-request goroutine pair or raw-byte piping is needed since
// bodies are buffered rather than streamed.
type TunnelClient struct {
	config           *config.ClientConfig
	logger           zerolog.Logger
	httpClient       *http.Client
	conn             *websocket.Conn
	connMutex        sync.Mutex
	writeMu          sync.Mutex
	send             chan []byte
	done             chan struct{}
	closed           bool
	closeMutex       sync.Mutex
	serverInfo       *protocol.ServerHello
	currentServerIdx int
	serverList       []config.ServerNode
	supervisor       *liveness.Supervisor
	activeStreams    atomic.Int64
}

// NewTunnelClient creates a new tunnel client
func NewTunnelClient(cfg *config.ClientConfig, logger zerolog.Logger) *TunnelClient {
	return &TunnelClient{
		config: cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.LocalRequestTimeout,
		},
		send:             make(chan []byte, 256),
		done:             make(chan struct{}),
		currentServerIdx: 0,
		serverList:       cfg.GetServerList(),
	}
}

// Connect establishes a connection to the tunnel server
func (tc *TunnelClient) Connect() error {
	tc.connMutex.Lock()
	defer tc.connMutex.Unlock()

	if tc.conn != nil {
		tc.conn.Close()

		tc.closeMutex.Lock()
		if !tc.closed {
			tc.closed = true
			select {
			case <-tc.done:
			default:
				close(tc.done)
			}
		}
		tc.closeMutex.Unlock()

		time.Sleep(200 * time.Millisecond)
	}

	tc.closeMutex.Lock()
	tc.closed = false
	tc.closeMutex.Unlock()

	tc.send = make(chan []byte, 256)
	tc.done = make(chan struct{})

	currentServer := tc.serverList[tc.currentServerIdx]

	scheme := "ws"
	if currentServer.Secure {
		scheme = "wss"
	}

	wsURL := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", currentServer.Host, currentServer.Port),
		Path:   "/ws",
	}

	tc.logger.Info().
		Str("url", wsURL.String()).
		Int("server_index", tc.currentServerIdx).
		Int("total_servers", len(tc.serverList)).
		Msg("Connecting to server")

	dialer := websocket.Dialer{HandshakeTimeout: tc.config.ConnectTimeout}

	if currentServer.Secure {
		if tc.config.InsecureTLS {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			tc.logger.Warn().Msg("TLS certificate verification disabled (insecure mode)")
		}
	}

	headers := make(map[string][]string)
	headers["User-Agent"] = []string{fmt.Sprintf("TunGo-Client/%s", version.GetShortVersion())}
	if currentServer.Secure && currentServer.Port == 443 {
		headers["Host"] = []string{currentServer.Host}
	}

	conn, resp, err := dialer.Dial(wsURL.String(), headers)
	if err != nil {
		if resp != nil {
			tc.logger.Error().
				Int("status_code", resp.StatusCode).
				Str("status", resp.Status).
				Msg("WebSocket handshake failed")
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	tc.conn = conn
	tc.supervisor = liveness.New(conn, &tc.writeMu)

	if err := tc.sendClientHello(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send client hello: %w", err)
	}

	if err := tc.receiveServerHello(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to receive server hello: %w", err)
	}

	tc.logger.Info().
		Str("subdomain", tc.serverInfo.SubDomain).
		Str("hostname", tc.serverInfo.Hostname).
		Msg("Tunnel established")

	return nil
}

// sendClientHello sends the initial hello message to the server
func (tc *TunnelClient) sendClientHello() error {
	var hello *protocol.ClientHello

	if tc.config.ReconnectToken != "" {
		hello = protocol.NewReconnectHello(&protocol.ReconnectToken{Token: tc.config.ReconnectToken})
	} else {
		var subDomain *string

		if tc.serverInfo != nil && tc.serverInfo.SubDomain != "" {
			subDomain = &tc.serverInfo.SubDomain
			tc.logger.Debug().Str("subdomain", *subDomain).Msg("Reusing subdomain from previous session")
		} else if tc.config.SubDomain != "" {
			subDomain = &tc.config.SubDomain
		}

		var secretKey *protocol.SecretKey
		if tc.config.SecretKey != "" {
			secretKey = &protocol.SecretKey{Key: tc.config.SecretKey}
		}

		hello = protocol.NewClientHello(subDomain, secretKey)
		if tc.config.TunnelPassword != "" {
			hello.Password = &tc.config.TunnelPassword
		}
	}

	hello.SetClientVersion(version.GetShortVersion())

	msg, err := protocol.NewMessage(protocol.MessageTypeRegister, hello)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return tc.conn.WriteMessage(websocket.TextMessage, data)
}

// receiveServerHello receives the server hello response
func (tc *TunnelClient) receiveServerHello() error {
	var msg protocol.Message
	if err := tc.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read server hello: %w", err)
	}

	var hello protocol.ServerHello
	if err := msg.Unmarshal(&hello); err != nil {
		return fmt.Errorf("failed to parse server hello: %w", err)
	}

	if hello.Type != protocol.ServerHelloSuccess {
		return fmt.Errorf("server rejected connection: %s - %s", hello.Type, hello.Error)
	}

	tc.serverInfo = &hello
	return nil
}

// Run starts the client's main event loop
func (tc *TunnelClient) Run() error {
	tc.logger.Info().Msg("Client event loop started")

	livenessStop := make(chan struct{})
	go func() {
		if err := tc.supervisor.Run(livenessStop); err != nil {
			tc.logger.Warn().Err(err).Msg("liveness supervisor ended connection")
			tc.triggerClose()
		}
	}()

	go tc.writePump()
	go tc.readPump()

	<-tc.done
	close(livenessStop)

	tc.logger.Info().Msg("Client event loop ended")
	return nil
}

func (tc *TunnelClient) triggerClose() {
	tc.closeMutex.Lock()
	defer tc.closeMutex.Unlock()
	if !tc.closed {
		tc.closed = true
		close(tc.done)
	}
}

// readPump reads messages from the WebSocket connection
func (tc *TunnelClient) readPump() {
	defer func() {
		tc.logger.Info().Msg("readPump stopped")
		tc.triggerClose()
	}()

	for {
		var msg protocol.Message
		err := tc.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				tc.logger.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		tc.handleMessage(&msg)
	}
}

// writePump writes queued messages to the WebSocket connection
func (tc *TunnelClient) writePump() {
	defer tc.logger.Info().Msg("writePump stopped")

	for {
		select {
		case message, ok := <-tc.send:
			if !ok {
				return
			}
			tc.writeMu.Lock()
			err := tc.conn.WriteMessage(websocket.TextMessage, message)
			tc.writeMu.Unlock()
			if err != nil {
				tc.logger.Warn().Err(err).Msg("WebSocket write error")
				return
			}
		case <-tc.done:
			return
		}
	}
}

// handleMessage dispatches a decoded control message
func (tc *TunnelClient) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeRequest:
		var req protocol.RequestMessage
		if err := msg.Unmarshal(&req); err != nil {
			tc.logger.Error().Err(err).Msg("failed to unmarshal request message")
			return
		}
		go tc.handleRequest(&req)

	case protocol.MessageTypeError:
		var hello protocol.ServerHello
		if err := msg.Unmarshal(&hello); err == nil {
			tc.logger.Error().Str("error", hello.Error).Msg("server sent a fatal error")
		}
		tc.triggerClose()

	default:
		tc.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message type from server")
	}
}

// handleRequest performs one buffered round trip to the local server and
// ships the result back as a Response message.
func (tc *TunnelClient) handleRequest(req *protocol.RequestMessage) {
	started := time.Now()
	tc.activeStreams.Add(1)
	defer tc.activeStreams.Add(-1)

	resp, err := tc.roundTripLocal(req)
	if err != nil {
		tc.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("local round trip failed")
		resp = &protocol.ResponseMessage{
			RequestID:  req.RequestID,
			StatusCode: statusForError(err),
			Error:      err.Error(),
		}
	}

	if tc.config.EnableDashboard {
		body, _ := protocol.DecodeBody(req.Body)
		respBody, _ := protocol.DecodeBody(resp.Body)
		introspect.CaptureRequest(req.Method, req.Path, req.Headers, body, resp.StatusCode, resp.Headers, respBody, started, time.Now())
	}

	msg, err := protocol.NewMessage(protocol.MessageTypeResponse, resp)
	if err != nil {
		tc.logger.Error().Err(err).Msg("failed to build response message")
		return
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		tc.logger.Error().Err(err).Msg("failed to encode response message")
		return
	}

	select {
	case tc.send <- data:
	case <-tc.done:
	case <-time.After(5 * time.Second):
		tc.logger.Warn().Str("request_id", req.RequestID).Msg("send buffer full, dropping response")
	}
}

// roundTripLocal replays req against the configured local server.
func (tc *TunnelClient) roundTripLocal(req *protocol.RequestMessage) (*protocol.ResponseMessage, error) {
	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode request body: %w", err)
	}

	localAddr := net.JoinHostPort(tc.config.LocalHost, fmt.Sprintf("%d", tc.config.LocalPort))
	targetURL := fmt.Sprintf("http://%s%s", localAddr, req.Path)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	httpReq, err := http.NewRequest(req.Method, targetURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build local request: %w", err)
	}
	for key, values := range req.Headers {
		if _, skip := hopByHopHeaders[key]; skip {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := tc.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	limited := io.LimitReader(httpResp.Body, tc.config.MaxResponseBodyBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read local response body: %w", err)
	}
	if int64(len(respBody)) > tc.config.MaxResponseBodyBytes {
		return nil, fmt.Errorf("local response exceeded %d byte limit", tc.config.MaxResponseBodyBytes)
	}

	respHeaders := make(map[string][]string, len(httpResp.Header))
	for k, v := range httpResp.Header {
		if _, skip := hopByHopHeaders[k]; skip {
			continue
		}
		respHeaders[k] = v
	}

	return &protocol.ResponseMessage{
		RequestID:  req.RequestID,
		StatusCode: httpResp.StatusCode,
		Headers:    respHeaders,
		Body:       protocol.EncodeBody(respBody),
	}, nil
}

// statusForError translates a local round-trip failure into the status
// code reported back through the tunnel.
func statusForError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return http.StatusBadGateway
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return http.StatusGatewayTimeout
	case strings.Contains(msg, "no such host"):
		return http.StatusBadGateway
	case strings.Contains(msg, "too large") || strings.Contains(msg, "byte limit"):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadGateway
	}
}

// Close closes the client connection
func (tc *TunnelClient) Close() error {
	tc.triggerClose()

	if tc.conn != nil {
		tc.conn.Close()
	}

	tc.logger.Info().Msg("Client closed")
	return nil
}

// GetServerInfo returns the server information
func (tc *TunnelClient) GetServerInfo() *protocol.ServerHello {
	return tc.serverInfo
}

// RotateToNextServer rotates to the next server in the cluster
func (tc *TunnelClient) RotateToNextServer() {
	tc.currentServerIdx = (tc.currentServerIdx + 1) % len(tc.serverList)
	tc.logger.Info().
		Int("new_server_index", tc.currentServerIdx).
		Int("total_servers", len(tc.serverList)).
		Str("server", fmt.Sprintf("%s:%d", tc.serverList[tc.currentServerIdx].Host, tc.serverList[tc.currentServerIdx].Port)).
		Msg("Rotated to next server")
}

// GetCurrentServer returns the current server info
func (tc *TunnelClient) GetCurrentServer() config.ServerNode {
	return tc.serverList[tc.currentServerIdx]
}

// GetServerCount returns the number of servers in the cluster
func (tc *TunnelClient) GetServerCount() int {
	return len(tc.serverList)
}

// GetActiveStreams returns the number of local round trips in flight.
func (tc *TunnelClient) GetActiveStreams() int {
	return int(tc.activeStreams.Load())
}
