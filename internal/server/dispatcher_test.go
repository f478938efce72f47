package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestDispatcher(baseDomain string) *Dispatcher {
	return &Dispatcher{baseDomain: baseDomain}
}

func TestExtractSubdomain(t *testing.T) {
	d := newTestDispatcher("tungo.example.com")

	cases := []struct {
		host string
		want string
	}{
		{"foo.tungo.example.com", "foo"},
		{"foo.tungo.example.com:8080", "foo"},
		{"FOO.TUNGO.EXAMPLE.COM", "foo"},
		{"tungo.example.com", ""},
		{"tungo.example.com:8080", ""},
		{"unrelated.example.com", ""},
		{"example.com", ""},
	}

	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.want, d.ExtractSubdomain(tc.host))
		})
	}
}

func TestExtractSubdomain_DoesNotConfuseMultiLabelSuffix(t *testing.T) {
	// A label-counting approach could mistake a request for an unrelated
	// multi-label host as belonging to the base domain; the full-suffix
	// comparison must not.
	d := newTestDispatcher("tungo.example.com")
	assert.Equal(t, "", d.ExtractSubdomain("evil-tungo.example.com"))
}

func TestFilteredHeaders_StripsHopByHop(t *testing.T) {
	in := map[string][]string{
		"Connection":   {"keep-alive"},
		"X-Request-Id": {"abc"},
	}
	out := filteredHeaders(in)
	assert.NotContains(t, out, "Connection")
	assert.Equal(t, []string{"abc"}, out["X-Request-Id"])
}

func TestCanonicalHeader(t *testing.T) {
	assert.Equal(t, "Content-Type", canonicalHeader("content-type"))
	assert.Equal(t, "X-Request-Id", canonicalHeader("x-request-id"))
	assert.Equal(t, "Connection", canonicalHeader("Connection"))
}

func TestFiberResponseWriter_BuffersBodyAndHeaders(t *testing.T) {
	w := &fiberResponseWriter{headers: make(map[string][]string)}
	w.Header().Set("X-Test", "value")
	w.WriteHeader(201)
	n, err := w.Write([]byte("hello"))

	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 201, w.status)
	assert.Equal(t, "hello", string(w.body))
	assert.Equal(t, "value", w.Header().Get("X-Test"))
}
