package client

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sombochea/tungo/pkg/config"
	"github.com/sombochea/tungo/pkg/protocol"
)

func newTestClient(t *testing.T, local *httptest.Server) *TunnelClient {
	t.Helper()
	host, portStr, err := net.SplitHostPort(local.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.ClientConfig{
		LocalHost:            host,
		LocalPort:            port,
		LocalRequestTimeout:  2 * time.Second,
		MaxResponseBodyBytes: 1 << 20,
	}
	return NewTunnelClient(cfg, zerolog.Nop())
}

func TestRoundTripLocal_ForwardsRequestAndResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "val", r.Header.Get("X-Test"))
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("world"))
	}))
	defer local.Close()

	tc := newTestClient(t, local)

	req := &protocol.RequestMessage{
		RequestID: "r1",
		Method:    "GET",
		Path:      "/hello",
		Headers:   map[string][]string{"X-Test": {"val"}},
	}

	resp, err := tc.roundTripLocal(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"yes"}, resp.Headers["X-Reply"])

	body, err := protocol.DecodeBody(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "world", string(body))
}

func TestRoundTripLocal_RejectsOversizedResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer local.Close()

	tc := newTestClient(t, local)
	tc.config.MaxResponseBodyBytes = 10

	_, err := tc.roundTripLocal(&protocol.RequestMessage{RequestID: "r2", Method: "GET", Path: "/"})
	assert.Error(t, err)
}

func TestRoundTripLocal_ConnectionRefused(t *testing.T) {
	cfg := &config.ClientConfig{
		LocalHost:            "127.0.0.1",
		LocalPort:            1, // nothing listens here
		LocalRequestTimeout:  200 * time.Millisecond,
		MaxResponseBodyBytes: 1 << 20,
	}
	tc := NewTunnelClient(cfg, zerolog.Nop())

	_, err := tc.roundTripLocal(&protocol.RequestMessage{RequestID: "r3", Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, statusForError(err))
}

func TestGetActiveStreams_ZeroWhenIdle(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer local.Close()

	tc := newTestClient(t, local)
	assert.Equal(t, 0, tc.GetActiveStreams())
}
