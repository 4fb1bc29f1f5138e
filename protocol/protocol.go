package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ServerName is the relay's own pseudo-account. It is connected to every
// account and never has real credentials.
const ServerName = "__server__"

// SchemaVersion is carried in every payload so the wire format can evolve
// independently of the in-memory representation.
const SchemaVersion = 1

// MaxFrameSize caps the payload length accepted from the wire. A length
// prefix above this is treated as a malformed frame, not an allocation.
const MaxFrameSize = 1 << 20

var ErrMalformedFrame = errors.New("malformed frame")

// Status is the outcome code carried on a ServerMessage.
type Status int

const (
	StatusNone    Status = -1 // informational, no outcome
	StatusSuccess Status = 0
	StatusFailure Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "N/A"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Header carries the fields common to every message variant.
type Header struct {
	Sender    string
	Recipient string
	Timestamp time.Time
}

func (h Header) Head() Header { return h }

// Message is the closed set of wire message variants. Only the four types in
// this package implement it.
type Message interface {
	Head() Header
	sealed()
}

// RegisterRequest asks the relay to create an account. Recipient must be
// ServerName.
type RegisterRequest struct {
	Header
	Secret string
}

// LoginRequest authenticates an existing account. Recipient must be
// ServerName.
type LoginRequest struct {
	Header
	Secret string
}

// UserMessage is one chat message from an authenticated account.
type UserMessage struct {
	Header
	Content string
}

// ServerMessage is a relay-originated message: auth responses, authorization
// failures and responder replies. Session tags the connection the relay is
// answering, when there is one.
type ServerMessage struct {
	Header
	Content string
	Status  Status
	Session string
}

func (*RegisterRequest) sealed() {}
func (*LoginRequest) sealed()    {}
func (*UserMessage) sealed()     {}
func (*ServerMessage) sealed()   {}

// Wire discriminants.
const (
	kindRegister = "register_request"
	kindLogin    = "login_request"
	kindUser     = "user_message"
	kindServer   = "server_message"
)

// payload is the flat wire schema shared by all variants. Pointer fields
// distinguish absent from zero where validation needs the difference.
type payload struct {
	Version   int       `json:"version"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
	Secret    *string   `json:"secret,omitempty"`
	Content   *string   `json:"content,omitempty"`
	Status    *int      `json:"status,omitempty"`
	Session   string    `json:"session,omitempty"`
}

// Encode serializes one message variant plus its type discriminant into a
// frame payload.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	p := payload{
		Version:   SchemaVersion,
		Sender:    h.Sender,
		Recipient: h.Recipient,
		Timestamp: h.Timestamp,
	}

	switch v := m.(type) {
	case *RegisterRequest:
		p.Type = kindRegister
		p.Secret = &v.Secret
	case *LoginRequest:
		p.Type = kindLogin
		p.Secret = &v.Secret
	case *UserMessage:
		p.Type = kindUser
		p.Content = &v.Content
	case *ServerMessage:
		p.Type = kindServer
		p.Content = &v.Content
		status := int(v.Status)
		p.Status = &status
		p.Session = v.Session
	default:
		return nil, fmt.Errorf("unsupported message type %T", m)
	}

	return json.Marshal(p)
}

// Decode parses one frame payload back into its message variant. Unknown
// discriminants, missing required fields and mistyped fields all produce an
// error wrapping ErrMalformedFrame; Decode never panics on hostile input.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if p.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedFrame)
	}
	if p.Recipient == "" {
		return nil, fmt.Errorf("%w: missing recipient", ErrMalformedFrame)
	}
	if p.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedFrame)
	}

	h := Header{Sender: p.Sender, Recipient: p.Recipient, Timestamp: p.Timestamp}

	switch p.Type {
	case kindRegister, kindLogin:
		if p.Secret == nil {
			return nil, fmt.Errorf("%w: %s without secret", ErrMalformedFrame, p.Type)
		}
		// Auth requests are addressed to the relay itself, nothing else.
		if p.Recipient != ServerName {
			return nil, fmt.Errorf("%w: %s addressed to %q", ErrMalformedFrame, p.Type, p.Recipient)
		}
		if p.Type == kindRegister {
			return &RegisterRequest{Header: h, Secret: *p.Secret}, nil
		}
		return &LoginRequest{Header: h, Secret: *p.Secret}, nil

	case kindUser:
		if p.Content == nil || *p.Content == "" {
			return nil, fmt.Errorf("%w: user_message without content", ErrMalformedFrame)
		}
		return &UserMessage{Header: h, Content: *p.Content}, nil

	case kindServer:
		if p.Content == nil {
			return nil, fmt.Errorf("%w: server_message without content", ErrMalformedFrame)
		}
		if p.Status == nil {
			return nil, fmt.Errorf("%w: server_message without status", ErrMalformedFrame)
		}
		status := Status(*p.Status)
		switch status {
		case StatusNone, StatusSuccess, StatusFailure:
		default:
			return nil, fmt.Errorf("%w: invalid status %d", ErrMalformedFrame, *p.Status)
		}
		return &ServerMessage{Header: h, Content: *p.Content, Status: status, Session: p.Session}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, p.Type)
	}
}

// Write encodes m and writes it as one frame: a 4-byte big-endian length
// followed by exactly that many payload bytes. The frame goes out in a
// single Write call so concurrent writers interleave at frame granularity.
func Write(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	_, err = w.Write(frame)
	return err
}

// Read reads exactly one frame from r and decodes it. It never reads past
// the frame boundary and never returns a partial message. Transport errors
// surface as-is, decode failures wrap ErrMalformedFrame.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedFrame, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return Decode(data)
}

// Render formats a message for logs: one formatting switch over the closed
// variant set instead of per-type methods.
func Render(m Message) string {
	h := m.Head()
	ts := h.Timestamp.Format(time.RFC3339)
	switch v := m.(type) {
	case *RegisterRequest:
		return fmt.Sprintf("[%s] register request from %s", ts, h.Sender)
	case *LoginRequest:
		return fmt.Sprintf("[%s] login request from %s", ts, h.Sender)
	case *UserMessage:
		return fmt.Sprintf("[%s] %s -> %s: %s", ts, h.Sender, h.Recipient, v.Content)
	case *ServerMessage:
		return fmt.Sprintf("[%s] %s -> %s (%s): %s", ts, h.Sender, h.Recipient, v.Status, v.Content)
	default:
		return fmt.Sprintf("[%s] unknown message %T", ts, m)
	}
}
