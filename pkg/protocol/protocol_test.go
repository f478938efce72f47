package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBody_RoundTrips(t *testing.T) {
	body := []byte("hello \x00\x01 world")
	encoded := EncodeBody(body)
	decoded, err := DecodeBody(encoded)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestEncodeBody_Empty(t *testing.T) {
	assert.Equal(t, "", EncodeBody(nil))
	decoded, err := DecodeBody("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeBody_InvalidBase64(t *testing.T) {
	_, err := DecodeBody("not-valid-base64!!!")
	assert.Error(t, err)
}

func TestMessage_RoundTripsRequest(t *testing.T) {
	req := &RequestMessage{
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/hello",
		Headers:   map[string][]string{"X-Test": {"a"}},
		Body:      EncodeBody([]byte("payload")),
	}

	msg, err := NewMessage(MessageTypeRequest, req)
	require.NoError(t, err)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRequest, decoded.Type)

	var got RequestMessage
	require.NoError(t, decoded.Unmarshal(&got))
	assert.Equal(t, *req, got)
}

func TestDecodeMessage_UnknownTypeSucceeds(t *testing.T) {
	msg, err := NewMessage(MessageType("future_kind"), map[string]string{"foo": "bar"})
	require.NoError(t, err)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageType("future_kind"), decoded.Type)
}

func TestDecodeMessage_MalformedJSON(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeMessage_RequestMissingFields(t *testing.T) {
	msg, err := NewMessage(MessageTypeRequest, &RequestMessage{Path: "/x"})
	require.NoError(t, err)
	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	_, err = DecodeMessage(data)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeMessage_RejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("a", MaxFrameSize+1)
	msg, err := NewMessage(MessageTypeResponse, &ResponseMessage{RequestID: "r", Body: huge})
	require.NoError(t, err)

	_, err = EncodeMessage(msg)
	assert.Error(t, err)
}

func TestSecretKey_ClientIDFromKeyIsDeterministic(t *testing.T) {
	key := &SecretKey{Key: "same-key"}
	assert.Equal(t, key.ClientIDFromKey(), key.ClientIDFromKey())
}
