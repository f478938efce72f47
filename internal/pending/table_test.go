package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sombochea/tungo/pkg/protocol"
)

func TestTable_ResolveDelivers(t *testing.T) {
	table := NewTable()
	entry := table.Add("req-1", "abc123", "GET", "/", 0, "test-agent", "127.0.0.1")

	go func() {
		table.Resolve("req-1", &protocol.ResponseMessage{RequestID: "req-1", StatusCode: 200})
	}()

	resp, err := table.Wait(entry, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 0, table.Len())
}

func TestTable_TimeoutWhenUnanswered(t *testing.T) {
	table := NewTable()
	entry := table.Add("req-2", "abc123", "GET", "/", 0, "test-agent", "127.0.0.1")

	resp, err := table.Wait(entry, 10*time.Millisecond)
	assert.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, table.Len())
}

func TestTable_ResolveAfterTimeoutIsNoop(t *testing.T) {
	table := NewTable()
	entry := table.Add("req-3", "abc123", "GET", "/", 0, "test-agent", "127.0.0.1")

	_, err := table.Wait(entry, 5*time.Millisecond)
	assert.Error(t, err)

	ok := table.Resolve("req-3", &protocol.ResponseMessage{RequestID: "req-3"})
	assert.False(t, ok)
}

func TestTable_CancelBySubdomain(t *testing.T) {
	table := NewTable()
	e1 := table.Add("req-a", "abc123", "GET", "/", 0, "test-agent", "127.0.0.1")
	e2 := table.Add("req-b", "abc123", "GET", "/", 0, "test-agent", "127.0.0.1")
	table.Add("req-c", "other", "GET", "/", 0, "test-agent", "127.0.0.1")

	n := table.CancelBySubdomain("abc123", assert.AnError)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, table.Len())

	_, err := table.Wait(e1, time.Second)
	assert.Error(t, err)
	_, err = table.Wait(e2, time.Second)
	assert.Error(t, err)
}
