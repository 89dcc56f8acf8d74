package webchat

import (
	"time"

	"github.com/NeboLoop/webchat-go-sdk/carousel"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// MessageType is the rendering kind of a message.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeImage      MessageType = "image"
	TypeVideo      MessageType = "video"
	TypeAudio      MessageType = "audio"
	TypeFile       MessageType = "file"
	TypeQuickReply MessageType = "quick_reply"
	TypeCarousel   MessageType = "carousel"
)

// MessageStatus tracks streamed replies. Plain messages have no status.
type MessageStatus string

const (
	StatusNone      MessageStatus = ""
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusDelivered MessageStatus = "delivered"
)

// ConnectionStatus is the coarse connection state shown to users.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Errored      ConnectionStatus = "error"
)

// QuickReply is a tappable shortcut offered by the bot.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Metadata carries the type-specific payload of a message.
type Metadata struct {
	QuickReplies []QuickReply       `json:"quickReplies,omitempty"`
	ImageURL     string             `json:"imageUrl,omitempty"`
	VideoURL     string             `json:"videoUrl,omitempty"`
	AudioURL     string             `json:"audioUrl,omitempty"`
	FileURL      string             `json:"fileUrl,omitempty"`
	Products     []carousel.Product `json:"products,omitempty"`
}

// Message is one entry of the conversation.
type Message struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Sender    Sender        `json:"sender"`
	Timestamp time.Time     `json:"timestamp"`
	Type      MessageType   `json:"type"`
	Metadata  *Metadata     `json:"metadata,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}

func (m Message) clone() Message {
	if m.Metadata == nil {
		return m
	}
	md := *m.Metadata
	md.QuickReplies = append([]QuickReply(nil), md.QuickReplies...)
	md.Products = append([]carousel.Product(nil), md.Products...)
	m.Metadata = &md
	return m
}

// State is a snapshot of everything a UI renders.
type State struct {
	IsConnected  bool
	IsConnecting bool
	IsTyping     bool
	Messages     []Message
	SessionID    string
	Err          error
	Status       ConnectionStatus
	// Language is the project language announced by the server.
	Language string
	// DuplicateSession is set when the server reports that this session is
	// already registered by another connection.
	DuplicateSession bool
}
