package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MaxFrameSize is the largest encoded control message the wire protocol
// accepts. Control sessions close with reason "too large" past this.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrMalformedMessage wraps any decode failure: bad JSON, unknown
// structure, or a known type missing a field it requires.
var ErrMalformedMessage = fmt.Errorf("malformed control message")

// ClientID represents a unique client identifier
type ClientID string

// GenerateClientID creates a new random client ID
func GenerateClientID() ClientID {
	return ClientID(uuid.New().String())
}

// String returns the string representation of the client ID
func (c ClientID) String() string {
	return string(c)
}

// SecretKey represents an API authentication key
type SecretKey struct {
	Key string `json:"key"`
}

// GenerateSecretKey creates a new random secret key
func GenerateSecretKey() (*SecretKey, error) {
	b := make([]byte, 22)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return &SecretKey{
		Key: base64.URLEncoding.EncodeToString(b),
	}, nil
}

// ClientIDFromKey derives a client ID from the secret key using SHA256
func (s *SecretKey) ClientIDFromKey() ClientID {
	hash := sha256.Sum256([]byte(s.Key))
	return ClientID(base64.StdEncoding.EncodeToString(hash[:]))
}

// ReconnectToken is issued by the server in a successful ServerHello. The
// server does not check a token presented in a ClientHello, so a
// reconnect gets a subdomain the same way a fresh registration does.
type ReconnectToken struct {
	Token string `json:"token"`
}

// GenerateReconnectToken creates a new reconnect token
func GenerateReconnectToken() (*ReconnectToken, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate reconnect token: %w", err)
	}
	return &ReconnectToken{
		Token: base64.URLEncoding.EncodeToString(b),
	}, nil
}

// ClientType represents the type of client connection
type ClientType string

const (
	ClientTypeAuth      ClientType = "auth"
	ClientTypeAnonymous ClientType = "anonymous"
)

// ClientHello is the payload of a Register message: the client's
// requested subdomain, credentials, and optional tunnel password.
type ClientHello struct {
	ID             ClientID        `json:"id"`
	SubDomain      *string         `json:"sub_domain,omitempty"`
	ClientType     ClientType      `json:"client_type"`
	ClientVersion  string          `json:"client_version,omitempty"`
	SecretKey      *SecretKey      `json:"secret_key,omitempty"`
	ReconnectToken *ReconnectToken `json:"reconnect_token,omitempty"`
	Password       *string         `json:"password,omitempty"`
}

// NewClientHello creates a new client hello message
func NewClientHello(subDomain *string, secretKey *SecretKey) *ClientHello {
	hello := &ClientHello{
		ID:        GenerateClientID(),
		SubDomain: subDomain,
	}

	if secretKey != nil {
		hello.ClientType = ClientTypeAuth
		hello.SecretKey = secretKey
	} else {
		hello.ClientType = ClientTypeAnonymous
	}

	return hello
}

// SetClientVersion sets the client version for the hello message
func (h *ClientHello) SetClientVersion(version string) {
	h.ClientVersion = version
}

// NewReconnectHello creates a client hello message for reconnection
func NewReconnectHello(token *ReconnectToken) *ClientHello {
	return &ClientHello{
		ID:             GenerateClientID(),
		ClientType:     ClientTypeAnonymous,
		ReconnectToken: token,
	}
}

// ServerHelloType represents the type of server hello response
type ServerHelloType string

const (
	ServerHelloSuccess          ServerHelloType = "success"
	ServerHelloSubDomainInUse   ServerHelloType = "sub_domain_in_use"
	ServerHelloInvalidSubDomain ServerHelloType = "invalid_sub_domain"
	ServerHelloAuthFailed       ServerHelloType = "auth_failed"
	ServerHelloQuotaExceeded    ServerHelloType = "quota_exceeded"
	ServerHelloError            ServerHelloType = "error"
)

// ServerHello is the payload of a Registered message (or an Error
// message, for the failure cases).
type ServerHello struct {
	Type           ServerHelloType `json:"type"`
	SubDomain      string          `json:"sub_domain,omitempty"`
	Hostname       string          `json:"hostname,omitempty"`
	PublicURL      string          `json:"public_url,omitempty"`
	ClientID       ClientID        `json:"client_id,omitempty"`
	ReconnectToken *ReconnectToken `json:"reconnect_token,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// NewSuccessHello creates a success server hello
func NewSuccessHello(subDomain, hostname, publicURL string, clientID ClientID, token *ReconnectToken) *ServerHello {
	return &ServerHello{
		Type:           ServerHelloSuccess,
		SubDomain:      subDomain,
		Hostname:       hostname,
		PublicURL:      publicURL,
		ClientID:       clientID,
		ReconnectToken: token,
	}
}

// NewErrorHello creates an error server hello
func NewErrorHello(helloType ServerHelloType, errorMsg string) *ServerHello {
	return &ServerHello{
		Type:  helloType,
		Error: errorMsg,
	}
}

// MessageType is the closed set of control-channel message kinds.
// Liveness no longer has JSON kinds of its own — ping/pong live at the
// WebSocket control-frame layer (see internal/liveness).
type MessageType string

const (
	MessageTypeRegister   MessageType = "register"
	MessageTypeRegistered MessageType = "registered"
	MessageTypeRequest    MessageType = "request"
	MessageTypeResponse   MessageType = "response"
	MessageTypeError      MessageType = "error"
)

// Message is the envelope actually placed on the wire.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new protocol message
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	msg := &Message{Type: msgType}

	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
		msg.Data = dataBytes
	}

	return msg, nil
}

// Unmarshal unmarshals the message data into the provided interface
func (m *Message) Unmarshal(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: message has no data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// RequestMessage carries one buffered public HTTP request across the
// control channel. Body is base64 so binary payloads survive JSON
// transport.
type RequestMessage struct {
	RequestID string              `json:"request_id"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      string              `json:"body,omitempty"`
}

// ResponseMessage carries the tunnel's answer to a RequestMessage,
// correlated by RequestID.
type ResponseMessage struct {
	RequestID  string              `json:"request_id"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// EncodeBody base64-encodes a request/response body for transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return b, nil
}

// GenerateRequestID creates a unique request identifier for correlating
// a RequestMessage with its eventual ResponseMessage.
func GenerateRequestID() string {
	return uuid.New().String()
}

// EncodeMessage encodes a message to JSON bytes, rejecting frames past
// MaxFrameSize.
func EncodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encoded message exceeds max frame size (%d > %d bytes)", len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodeMessage decodes a message from JSON bytes and validates that
// known types carry the fields their handlers require.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame exceeds max frame size (%d > %d bytes)", len(data), MaxFrameSize)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MessageTypeRegister:
		var h ClientHello
		if err := msg.Unmarshal(&h); err != nil {
			return nil, err
		}
	case MessageTypeRegistered:
		var h ServerHello
		if err := msg.Unmarshal(&h); err != nil {
			return nil, err
		}
	case MessageTypeRequest:
		var r RequestMessage
		if err := msg.Unmarshal(&r); err != nil {
			return nil, err
		}
		if r.RequestID == "" || r.Method == "" {
			return nil, fmt.Errorf("%w: request missing request_id/method", ErrMalformedMessage)
		}
	case MessageTypeResponse:
		var r ResponseMessage
		if err := msg.Unmarshal(&r); err != nil {
			return nil, err
		}
		if r.RequestID == "" {
			return nil, fmt.Errorf("%w: response missing request_id", ErrMalformedMessage)
		}
	case MessageTypeError:
		// ServerHello doubles as the error payload (Type/Error fields).
		var h ServerHello
		if err := msg.Unmarshal(&h); err != nil {
			return nil, err
		}
	default:
		// Unknown kinds decode successfully with their payload left as raw
		// JSON; callers log and ignore rather than tearing down the
		// connection over a forward-compatible message type.
	}

	return &msg, nil
}
