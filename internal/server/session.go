package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sombochea/tungo/internal/collab"
	"github.com/sombochea/tungo/internal/liveness"
	"github.com/sombochea/tungo/internal/pending"
	"github.com/sombochea/tungo/internal/registry"
	"github.com/sombochea/tungo/internal/subdomain"
	"github.com/sombochea/tungo/pkg/config"
	"github.com/sombochea/tungo/pkg/protocol"
)

// sessionState tracks a control connection through its lifecycle: a
// freshly accepted WebSocket is Handshaking until Register/Registered
// completes, Active while serving Request/Response traffic, and Closed
// once either side tears the connection down.
type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateActive
	stateClosed
)

// messageRateBurst is the token bucket's burst allowance alongside
// ServerConfig.RateLimitPerSecond's steady-state rate.
const messageRateBurst = 20

// ControlSession owns the lifecycle of one client's control WebSocket:
// handshake, authentication, message dispatch, and teardown, as an
// explicit state machine.
type ControlSession struct {
	config       *config.ServerConfig
	connMgr      *ConnectionManager
	pending      *pending.Table
	registry     registry.Registry
	collaborator collab.Collaborator
	logger       zerolog.Logger
}

// NewControlSession creates the session handler shared by every accepted
// WebSocket connection.
func NewControlSession(
	cfg *config.ServerConfig,
	connMgr *ConnectionManager,
	table *pending.Table,
	reg registry.Registry,
	collaborator collab.Collaborator,
	logger zerolog.Logger,
) *ControlSession {
	return &ControlSession{
		config:       cfg,
		connMgr:      connMgr,
		pending:      table,
		registry:     reg,
		collaborator: collaborator,
		logger:       logger,
	}
}

// HandleConnection drives one accepted WebSocket from handshake through
// to teardown. It returns once the connection is done.
func (cs *ControlSession) HandleConnection(conn *websocket.Conn) {
	defer conn.Close()

	var state atomic.Int32
	state.Store(int32(stateHandshaking))
	logger := cs.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	registrationTimer := time.AfterFunc(cs.config.RegistrationTimeout, func() {
		if sessionState(state.Load()) == stateHandshaking {
			logger.Warn().Msg("registration timed out")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "registration timeout"),
				time.Now().Add(5*time.Second))
			conn.Close()
		}
	})

	var clientHello protocol.ClientHello
	var registerMsg protocol.Message
	err := conn.ReadJSON(&registerMsg)
	if err == nil {
		err = registerMsg.Unmarshal(&clientHello)
	}
	if err != nil {
		registrationTimer.Stop()
		logger.Error().Err(err).Msg("failed to read client hello")
		cs.sendErrorHello(conn, protocol.ServerHelloError, "failed to read client hello")
		return
	}

	logger = logger.With().Str("client_id", clientHello.ID.String()).Logger()

	serverHello, clientID, subDomain, userID, err := cs.authenticate(&clientHello, conn.RemoteAddr().String())
	registrationTimer.Stop()
	if err != nil {
		logger.Warn().Err(err).Msg("registration rejected")
		cs.sendErrorHello(conn, serverHello.Type, serverHello.Error)
		return
	}

	clientConn, err := cs.connMgr.AddClient(clientID, subDomain, userID, conn.RemoteAddr().String(), clientHello.ClientVersion, conn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to register connection")
		cs.sendErrorHello(conn, protocol.ServerHelloError, err.Error())
		return
	}
	state.Store(int32(stateActive))

	openedAt := time.Now()
	ctx := context.Background()
	if err := cs.collaborator.PersistTunnelOpen(ctx, subDomain, userID, clientConn.RemoteIP, openedAt); err != nil {
		logger.Warn().Err(err).Msg("collaborator failed to persist tunnel open")
	}

	tunnelInfo := &registry.TunnelInfo{
		Subdomain:   subDomain,
		ServerHost:  cs.config.Host,
		ClientID:    clientID.String(),
		UserID:      userID,
		ClientIP:    clientConn.RemoteIP,
		ProxyPort:   cs.config.Port,
		ControlPort: cs.config.ControlPort,
		CreatedAt:   openedAt,
	}
	if err := cs.registry.RegisterTunnel(tunnelInfo); err != nil {
		logger.Error().Err(err).Msg("failed to register tunnel in registry")
	}

	defer func() {
		state.Store(int32(stateClosed))
		cs.connMgr.RemoveClient(clientID)
		cs.pending.CancelBySubdomain(subDomain, fmt.Errorf("tunnel %s disconnected", subDomain))

		if err := cs.collaborator.PersistTunnelClose(ctx, subDomain, time.Now()); err != nil {
			logger.Warn().Err(err).Msg("collaborator failed to persist tunnel close")
		}

		if err := cs.registry.UnregisterTunnel(subDomain); err != nil {
			logger.Error().Err(err).Msg("failed to unregister tunnel from registry")
		}
	}()

	if err := cs.sendServerHello(conn, serverHello); err != nil {
		logger.Error().Err(err).Msg("failed to send server hello")
		return
	}

	logger.Info().
		Str("subdomain", subDomain).
		Str("hostname", serverHello.Hostname).
		Msg("tunnel established")

	limiter := rate.NewLimiter(rate.Limit(cs.config.RateLimitPerSecond), messageRateBurst)
	supervisor := liveness.New(conn, &clientConn.WriteMu)
	livenessStop := make(chan struct{})
	go func() {
		if err := supervisor.Run(livenessStop); err != nil {
			logger.Warn().Err(err).Msg("liveness supervisor closing connection")
			cs.connMgr.RemoveClient(clientID)
			conn.Close()
		}
	}()

	go cs.writePump(clientConn)
	cs.readPump(clientConn, limiter)
	close(livenessStop)
}

// authenticate validates a ClientHello against subdomain policy, secret
// key auth, and per-user tunnel quotas, returning the ServerHello to send
// either way.
func (cs *ControlSession) authenticate(hello *protocol.ClientHello, remoteIP string) (*protocol.ServerHello, protocol.ClientID, string, string, error) {
	var clientID protocol.ClientID
	var userID string

	if hello.ClientType == protocol.ClientTypeAuth {
		if hello.SecretKey == nil {
			return protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "invalid api key: secret key required"), "", "", "", fmt.Errorf("secret key required")
		}
		user, err := cs.collaborator.UserLookup(context.Background(), hello.SecretKey.Key)
		if err != nil {
			return protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "invalid api key"), "", "", "", fmt.Errorf("user lookup failed: %w", err)
		}
		if user == nil || !user.IsActive {
			return protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "invalid api key"), "", "", "", fmt.Errorf("invalid api key")
		}
		clientID = hello.ID
		userID = user.UserID
	} else {
		if !cs.config.AllowAnonymous {
			return protocol.NewErrorHello(protocol.ServerHelloAuthFailed, "invalid api key: anonymous clients not allowed"), "", "", "", fmt.Errorf("anonymous not allowed")
		}
		clientID = hello.ID
	}

	if userID != "" && cs.config.MaxTunnelsPerUser > 0 {
		count, err := cs.userActiveTunnelCount(userID)
		if err == nil && count >= cs.config.MaxTunnelsPerUser {
			return protocol.NewErrorHello(protocol.ServerHelloQuotaExceeded, "tunnel limit reached"), "", "", "", fmt.Errorf("tunnel limit reached")
		}
	}

	subDomain, err := cs.resolveSubdomain(hello)
	if err != nil {
		return protocol.NewErrorHello(protocol.ServerHelloInvalidSubDomain, fmt.Sprintf("invalid subdomain: %v", err)), "", "", "", err
	}

	if !cs.connMgr.IsSubDomainAvailable(subDomain) {
		return protocol.NewErrorHello(protocol.ServerHelloSubDomainInUse, "subdomain already taken"), "", "", "", fmt.Errorf("subdomain already taken")
	}

	hostname := fmt.Sprintf("%s.%s", subDomain, cs.config.Domain)
	publicURL := fmt.Sprintf("https://%s", hostname)
	var token *protocol.ReconnectToken
	if t, err := protocol.GenerateReconnectToken(); err == nil {
		token = t
	}
	serverHello := protocol.NewSuccessHello(subDomain, hostname, publicURL, clientID, token)

	return serverHello, clientID, subDomain, userID, nil
}

// resolveSubdomain picks (and validates, or generates) the subdomain for
// a hello message, applying reserved-word/format policy before any
// uniqueness check — subdomain policy runs ahead of authentication state.
func (cs *ControlSession) resolveSubdomain(hello *protocol.ClientHello) (string, error) {
	if hello.SubDomain != nil {
		if err := subdomain.Validate(*hello.SubDomain); err != nil {
			return "", err
		}
		for _, extra := range cs.config.ReservedSubdomains {
			if extra == *hello.SubDomain {
				return "", fmt.Errorf("subdomain %q is reserved", *hello.SubDomain)
			}
		}
		return *hello.SubDomain, nil
	}

	sub, err := subdomain.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate subdomain: %w", err)
	}
	return sub, nil
}

func (cs *ControlSession) userActiveTunnelCount(userID string) (int, error) {
	return cs.collaborator.UserActiveTunnelCount(context.Background(), userID)
}

// readPump reads and rate-limits messages from the WebSocket connection,
// dispatching each to handleMessage.
func (cs *ControlSession) readPump(client *ClientConnection, limiter *rate.Limiter) {
	defer cs.connMgr.RemoveClient(client.ID)

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				client.Logger.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if !limiter.Allow() {
			client.Logger.Warn().Msg("message rate limit exceeded, closing connection")
			client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
				time.Now().Add(5*time.Second))
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				client.Logger.Warn().Err(err).Msg("malformed control message, ignoring")
				continue
			}
			client.Logger.Warn().Err(err).Msg("oversized control frame, closing connection")
			client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too large"),
				time.Now().Add(5*time.Second))
			return
		}

		client.Touch()
		cs.handleMessage(client, msg)
	}
}

// writePump drains the client's send buffer onto the WebSocket.
func (cs *ControlSession) writePump(client *ClientConnection) {
	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				client.WriteMu.Lock()
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				client.WriteMu.Unlock()
				return
			}

			client.WriteMu.Lock()
			err := client.Conn.WriteMessage(websocket.TextMessage, message)
			client.WriteMu.Unlock()
			if err != nil {
				client.Logger.Warn().Err(err).Msg("WebSocket write error")
				return
			}

		case <-client.Done:
			return
		}
	}
}

// handleMessage dispatches one decoded control message from a tunnel
// client. Request/Register never arrive here (the dispatcher sends
// Request; Register is consumed during the handshake); a Response
// resolves its matching pending entry.
func (cs *ControlSession) handleMessage(client *ClientConnection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.ResponseMessage
		if err := msg.Unmarshal(&resp); err != nil {
			client.Logger.Error().Err(err).Msg("failed to unmarshal response message")
			return
		}
		cs.pending.Resolve(resp.RequestID, &resp)

	default:
		client.Logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message type from tunnel client")
	}
}

// sendServerHello sends a server hello message
func (cs *ControlSession) sendServerHello(c *websocket.Conn, hello *protocol.ServerHello) error {
	msg, err := protocol.NewMessage(protocol.MessageTypeRegistered, hello)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// sendErrorHello sends an error hello message
func (cs *ControlSession) sendErrorHello(c *websocket.Conn, helloType protocol.ServerHelloType, errorMsg string) {
	hello := protocol.NewErrorHello(helloType, errorMsg)
	msg, err := protocol.NewMessage(protocol.MessageTypeError, hello)
	if err != nil {
		return
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return
	}
	_ = c.WriteMessage(websocket.TextMessage, data)
}
