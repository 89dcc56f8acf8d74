// Package wire defines the JSON frame types of the Weni WebChat socket
// protocol. Every frame is a single JSON object sent as a WebSocket text
// message.
package wire

import "encoding/json"

// Frame type discriminators.
const (
	TypeRegister        = "register"
	TypeMessage         = "message"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSetCustomField  = "set_custom_field"
	TypeReadyForMessage = "ready_for_message"
	TypeStreamStart     = "stream_start"
	TypeDelta           = "delta"
	TypeStreamEnd       = "stream_end"
	TypeTyping          = "typing"
	TypeTypingStart     = "typing_start"
	TypeTypingStop      = "typing_stop"
	TypeError           = "error"
	TypeWarning         = "warning"
	TypeProjectLanguage = "project_language"
	TypeAllowContact    = "allow_contact_timeout"
)

// SessionTypeLocal is the only session type the client registers with.
const SessionTypeLocal = "local"

// RegisterFrame opens a session on a fresh socket (client -> server).
type RegisterFrame struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	Callback    string `json:"callback"`
	SessionType string `json:"session_type"`
	Token       string `json:"token,omitempty"`
}

// OutboundMessage is the body of a user message.
type OutboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MessageFrame carries a user message (client -> server).
type MessageFrame struct {
	Type    string          `json:"type"`
	Message OutboundMessage `json:"message"`
	Context string          `json:"context"`
	From    string          `json:"from"`
}

// PingFrame keeps the socket alive (client -> server).
type PingFrame struct {
	Type string `json:"type"`
}

// CustomField is a contact field update.
type CustomField struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// CustomFieldFrame sets a contact field (client -> server).
type CustomFieldFrame struct {
	Type string      `json:"type"`
	Data CustomField `json:"data"`
	From string      `json:"from"`
}

// QuickReply is a server-offered shortcut.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ServerMessage is the nested message object of inbound frames.
type ServerMessage struct {
	Type         string       `json:"type,omitempty"`
	Text         Text         `json:"text,omitempty"`
	Media        Text         `json:"media,omitempty"`
	MessageID    Text         `json:"messageId,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
}

// FrameData is the free-form data object of control frames.
type FrameData struct {
	Language Text `json:"language,omitempty"`
}

// ServerFrame is any frame received from the server. Delta frames carry no
// type; Seq and V are kept raw so their presence and shape can be checked.
type ServerFrame struct {
	Type    string          `json:"type,omitempty"`
	Message *ServerMessage  `json:"message,omitempty"`
	Text    Text            `json:"text,omitempty"`
	Error   Text            `json:"error,omitempty"`
	Warning Text            `json:"warning,omitempty"`
	ID      Text            `json:"id,omitempty"`
	Seq     json.RawMessage `json:"seq,omitempty"`
	V       json.RawMessage `json:"v,omitempty"`
	Data    *FrameData      `json:"data,omitempty"`
}

// Text is a loosely typed server string. Numbers keep their literal form
// (an id of 42 reads as "42"); any other non-string value reads as empty.
type Text string

// UnmarshalJSON never returns an error.
func (t *Text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*t = Text(n.String())
		return nil
	}
	*t = ""
	return nil
}

func (t Text) String() string { return string(t) }
