package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sombochea/tungo/internal/registry"
	"github.com/sombochea/tungo/pkg/protocol"
)

// ClientConnection represents a connected tunnel's control channel.
// Per-request correlation lives in internal/pending, since requests are
// buffered one-response-per-request rather than streamed.
type ClientConnection struct {
	ID              protocol.ClientID
	SubDomain       string
	ClientVersion   string
	UserID          string
	RemoteIP        string
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	activityMu      sync.Mutex
	Conn            *websocket.Conn
	WriteMu         sync.Mutex // serializes writes to Conn across writePump and liveness
	Logger          zerolog.Logger
	Send            chan []byte
	Done            chan struct{}
}

// Touch records activity for idle/liveness bookkeeping.
func (cc *ClientConnection) Touch() {
	cc.activityMu.Lock()
	cc.LastActivityAt = time.Now()
	cc.activityMu.Unlock()
}

// IdleSince reports how long it has been since the last recorded activity.
func (cc *ClientConnection) IdleSince() time.Duration {
	cc.activityMu.Lock()
	defer cc.activityMu.Unlock()
	return time.Since(cc.LastActivityAt)
}

// ConnectionManager manages all active client connections
type ConnectionManager struct {
	clients       map[protocol.ClientID]*ClientConnection
	subdomains    map[string]protocol.ClientID
	mutex         sync.RWMutex
	registry      registry.Registry
	logger        zerolog.Logger
	maxConnection int
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(reg registry.Registry, logger zerolog.Logger, maxConn int) *ConnectionManager {
	return &ConnectionManager{
		clients:       make(map[protocol.ClientID]*ClientConnection),
		subdomains:    make(map[string]protocol.ClientID),
		registry:      reg,
		logger:        logger,
		maxConnection: maxConn,
	}
}

// AddClient adds a new client connection
func (cm *ConnectionManager) AddClient(clientID protocol.ClientID, subDomain, userID, remoteIP, clientVersion string, conn *websocket.Conn) (*ClientConnection, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if len(cm.clients) >= cm.maxConnection {
		return nil, fmt.Errorf("maximum connections reached")
	}

	if existingID, exists := cm.subdomains[subDomain]; exists {
		if existingID != clientID {
			return nil, fmt.Errorf("subdomain already taken")
		}
	}

	now := time.Now()
	client := &ClientConnection{
		ID:             clientID,
		SubDomain:      subDomain,
		ClientVersion:  clientVersion,
		UserID:         userID,
		RemoteIP:       remoteIP,
		ConnectedAt:    now,
		LastActivityAt: now,
		Conn:           conn,
		Logger:         cm.logger.With().Str("client_id", clientID.String()).Str("subdomain", subDomain).Logger(),
		Send:           make(chan []byte, 512),
		Done:           make(chan struct{}),
	}

	cm.clients[clientID] = client
	cm.subdomains[subDomain] = clientID

	cm.logger.Info().
		Str("client_id", clientID.String()).
		Str("subdomain", subDomain).
		Msg("Client connected")

	return client, nil
}

// RemoveClient removes a client connection
func (cm *ConnectionManager) RemoveClient(clientID protocol.ClientID) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	client, exists := cm.clients[clientID]
	if !exists {
		return
	}

	delete(cm.subdomains, client.SubDomain)
	close(client.Done)
	delete(cm.clients, clientID)

	cm.logger.Info().
		Str("client_id", clientID.String()).
		Str("subdomain", client.SubDomain).
		Msg("Client disconnected")
}

// GetClient retrieves a client by ID
func (cm *ConnectionManager) GetClient(clientID protocol.ClientID) (*ClientConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	client, exists := cm.clients[clientID]
	return client, exists
}

// GetClientBySubDomain retrieves a client by subdomain
func (cm *ConnectionManager) GetClientBySubDomain(subDomain string) (*ClientConnection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	clientID, exists := cm.subdomains[subDomain]
	if !exists {
		return nil, false
	}

	client, exists := cm.clients[clientID]
	return client, exists
}

// IsSubDomainAvailable checks if a subdomain is available
func (cm *ConnectionManager) IsSubDomainAvailable(subDomain string) bool {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	_, exists := cm.subdomains[subDomain]
	return !exists
}

// GetActiveConnections returns the number of active connections
func (cm *ConnectionManager) GetActiveConnections() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.clients)
}

// ListSubDomains returns all active subdomains
func (cm *ConnectionManager) ListSubDomains() []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	subdomains := make([]string, 0, len(cm.subdomains))
	for subdomain := range cm.subdomains {
		subdomains = append(subdomains, subdomain)
	}
	return subdomains
}

// SendMessage sends a message to the client's write pump, failing fast
// if the buffer is full or the connection has already closed.
func (cc *ClientConnection) SendMessage(msg *protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	select {
	case cc.Send <- data:
		return nil
	case <-cc.Done:
		return fmt.Errorf("client connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// GetActiveConnectionsCount returns the total number of active client connections
func (cm *ConnectionManager) GetActiveConnectionsCount() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return len(cm.clients)
}
