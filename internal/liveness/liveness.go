// Package liveness keeps a control-channel WebSocket connection honest
// using native ping/pong control frames, rather than JSON messages — the
// wire protocol's closed message-kind set has no room for them.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// PingInterval is how often the server (or client) sends a ping
	// control frame down an idle connection.
	PingInterval = 30 * time.Second

	// DeadPeerThreshold is how long a side waits without hearing a pong
	// before declaring the peer dead and tearing the connection down.
	DeadPeerThreshold = 90 * time.Second
)

// Supervisor drives one side of a connection's liveness tracking: it
// sends periodic pings and records the last time a pong (or, on the
// receiving side, a ping) was observed.
type Supervisor struct {
	conn       *websocket.Conn
	lastPongAt atomic.Int64 // unix nanos

	mu      sync.Mutex
	writeMu *sync.Mutex // shared with the owning writer goroutine, if any
}

// New wires a Supervisor to conn. If writeMu is non-nil it is locked
// around every WriteControl call, so liveness pings never interleave
// with an application writer goroutine's frames on the same connection.
func New(conn *websocket.Conn, writeMu *sync.Mutex) *Supervisor {
	s := &Supervisor{conn: conn, writeMu: writeMu}
	s.lastPongAt.Store(time.Now().UnixNano())

	conn.SetPongHandler(func(string) error {
		s.lastPongAt.Store(time.Now().UnixNano())
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		s.lastPongAt.Store(time.Now().UnixNano())
		return s.writeControl(websocket.PongMessage, []byte(appData))
	})

	return s
}

func (s *Supervisor) writeControl(messageType int, data []byte) error {
	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return s.conn.WriteControl(messageType, data, time.Now().Add(10*time.Second))
}

// LastSeen returns when a pong (or an incoming ping) was last observed.
func (s *Supervisor) LastSeen() time.Time {
	return time.Unix(0, s.lastPongAt.Load())
}

// Alive reports whether the peer has been heard from within
// DeadPeerThreshold.
func (s *Supervisor) Alive() bool {
	return time.Since(s.LastSeen()) < DeadPeerThreshold
}

// Run blocks, sending a ping every PingInterval and checking for a dead
// peer, until stop is closed or a ping/liveness-check fails — at which
// point it returns an error describing why. Callers run this in its own
// goroutine and close the connection on return.
func (s *Supervisor) Run(stop <-chan struct{}) error {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if !s.Alive() {
				return errDeadPeer
			}
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

var errDeadPeer = deadPeerError{}

type deadPeerError struct{}

func (deadPeerError) Error() string { return "peer did not respond within the dead-peer threshold" }
