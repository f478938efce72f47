package registry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInMemoryRegistry(t *testing.T) *InMemoryRegistry {
	t.Helper()
	r, err := NewInMemoryRegistry("server-1", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestInMemoryRegistry_RegisterAndGetTunnel(t *testing.T) {
	r := newTestInMemoryRegistry(t)

	err := r.RegisterTunnel(&TunnelInfo{Subdomain: "abc123", ClientID: "client-1", UserID: "user-1"})
	require.NoError(t, err)

	tunnel, err := r.GetTunnel("abc123")
	require.NoError(t, err)
	assert.Equal(t, "client-1", tunnel.ClientID)
	assert.Equal(t, "server-1", tunnel.ServerID)
}

func TestInMemoryRegistry_GetTunnel_NotFound(t *testing.T) {
	r := newTestInMemoryRegistry(t)

	_, err := r.GetTunnel("missing")
	assert.Error(t, err)
}

func TestInMemoryRegistry_UnregisterTunnel(t *testing.T) {
	r := newTestInMemoryRegistry(t)

	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "abc123"}))
	require.NoError(t, r.UnregisterTunnel("abc123"))

	_, err := r.GetTunnel("abc123")
	assert.Error(t, err)
}

func TestInMemoryRegistry_CountTunnelsByUser(t *testing.T) {
	r := newTestInMemoryRegistry(t)

	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "a", UserID: "user-1"}))
	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "b", UserID: "user-1"}))
	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "c", UserID: "user-2"}))

	count, err := r.CountTunnelsByUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInMemoryRegistry_EvictIdleTunnels(t *testing.T) {
	r := newTestInMemoryRegistry(t)

	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "stale"}))
	r.tunnelsMutex.Lock()
	r.tunnels["stale"].LastSeenAt = time.Now().Add(-2 * time.Hour)
	r.tunnelsMutex.Unlock()

	require.NoError(t, r.RegisterTunnel(&TunnelInfo{Subdomain: "fresh"}))

	evicted, err := r.EvictIdleTunnels(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = r.GetTunnel("stale")
	assert.Error(t, err)

	_, err = r.GetTunnel("fresh")
	assert.NoError(t, err)
}
