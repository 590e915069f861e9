package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type FrameType string

const (
	TypeConnectionEstablished FrameType = "connection_established"
	TypeMessage               FrameType = "message"
	TypeTyping                FrameType = "typing"
	TypeError                 FrameType = "error"
)

var ErrIncompleteMessage = errors.New("message frame missing id, sender, text or created_at")

// Frame is a decoded server-to-client event. The concrete type is one of
// ConnectionEstablished, MessageEvent, TypingEvent, ErrorEvent or
// UnknownEvent.
type Frame interface {
	FrameType() FrameType
}

type ConnectionEstablished struct {
	Message string
}

type MessageEvent struct {
	Message ChatMessage
}

type TypingEvent struct {
	UserEmail string
	IsTyping  bool
}

type ErrorEvent struct {
	Message string
}

// UnknownEvent carries a frame whose type this client does not handle.
type UnknownEvent struct {
	Type FrameType
}

func (ConnectionEstablished) FrameType() FrameType { return TypeConnectionEstablished }
func (MessageEvent) FrameType() FrameType          { return TypeMessage }
func (TypingEvent) FrameType() FrameType           { return TypeTyping }
func (ErrorEvent) FrameType() FrameType            { return TypeError }
func (u UnknownEvent) FrameType() FrameType        { return u.Type }

type wireSender struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

type wireMessage struct {
	ID            *int64      `json:"id"`
	Sender        *wireSender `json:"sender"`
	Text          *string     `json:"text"`
	AttachmentURL string      `json:"attachment_url,omitempty"`
	IsRead        bool        `json:"is_read"`
	CreatedAt     *time.Time  `json:"created_at"`
}

type wireFrame struct {
	Type      FrameType       `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	UserEmail string          `json:"user_email,omitempty"`
	IsTyping  *bool           `json:"is_typing,omitempty"`
}

// DecodeFrame parses one inbound websocket frame. A message frame that
// lacks any required field yields ErrIncompleteMessage.
func DecodeFrame(data []byte) (Frame, error) {
	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch wf.Type {
	case TypeConnectionEstablished:
		return ConnectionEstablished{Message: rawString(wf.Message)}, nil
	case TypeError:
		return ErrorEvent{Message: rawString(wf.Message)}, nil
	case TypeTyping:
		ev := TypingEvent{UserEmail: wf.UserEmail}
		if wf.IsTyping != nil {
			ev.IsTyping = *wf.IsTyping
		}
		return ev, nil
	case TypeMessage:
		if len(wf.Message) == 0 {
			return nil, ErrIncompleteMessage
		}
		var wm wireMessage
		if err := json.Unmarshal(wf.Message, &wm); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		if wm.ID == nil || *wm.ID == 0 || wm.Sender == nil || wm.Text == nil || *wm.Text == "" || wm.CreatedAt == nil {
			return nil, ErrIncompleteMessage
		}
		return MessageEvent{Message: ChatMessage{
			ID:            *wm.ID,
			Sender:        Sender(*wm.Sender),
			Text:          *wm.Text,
			AttachmentURL: wm.AttachmentURL,
			IsRead:        wm.IsRead,
			CreatedAt:     *wm.CreatedAt,
		}}, nil
	default:
		return UnknownEvent{Type: wf.Type}, nil
	}
}

// rawString returns the JSON string in raw, or the raw text when it is
// not a string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodeMessageEvent renders m the way the server broadcasts it.
func EncodeMessageEvent(m ChatMessage) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{Type: TypeMessage, Message: payload})
}

func EncodeTypingEvent(email string, isTyping bool) ([]byte, error) {
	return json.Marshal(wireFrame{Type: TypeTyping, UserEmail: email, IsTyping: &isTyping})
}

func EncodeErrorEvent(text string) ([]byte, error) {
	msg, _ := json.Marshal(text)
	return json.Marshal(wireFrame{Type: TypeError, Message: msg})
}

func EncodeConnectionEstablished(text string) ([]byte, error) {
	msg, _ := json.Marshal(text)
	return json.Marshal(wireFrame{Type: TypeConnectionEstablished, Message: msg})
}

// OutboundMessage is the client-to-server chat frame.
type OutboundMessage struct {
	Type FrameType `json:"type"`
	Text string    `json:"text"`
}

// OutboundTyping is the client-to-server typing frame. IsTyping is always
// serialized, false included.
type OutboundTyping struct {
	Type     FrameType `json:"type"`
	IsTyping bool      `json:"is_typing"`
}

// ClientFrame is the union of outbound frames as seen by a server.
type ClientFrame struct {
	Type     FrameType `json:"type"`
	Text     string    `json:"text,omitempty"`
	IsTyping bool      `json:"is_typing,omitempty"`
}
