package webchat

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NeboLoop/webchat-go-sdk/carousel"
	"github.com/NeboLoop/webchat-go-sdk/frame"
	"github.com/NeboLoop/webchat-go-sdk/wire"
)

// messageIDPrefix namespaces server message ids in the local list.
const messageIDPrefix = "msg_"

// duplicateSessionMarker appears in the error the server sends when the
// session is already registered by another connection.
const duplicateSessionMarker = "already exists"

func localID(serverID string) string {
	if serverID == "" {
		return ""
	}
	return messageIDPrefix + serverID
}

// IsDuplicateSession reports whether a server error text says the session is
// registered elsewhere.
func IsDuplicateSession(errText string) bool {
	return strings.Contains(errText, duplicateSessionMarker)
}

// decodeMessage turns a message frame into a bot message. ok is false when
// the frame has no text, media or quick replies.
func decodeMessage(f frame.Frame, newID func() string, now time.Time) (Message, bool) {
	data := f.Message
	if data == nil {
		data = &wire.ServerMessage{}
	}
	text := f.MessageText()
	if text == "" && data.Media == "" && len(data.QuickReplies) == 0 {
		return Message{}, false
	}

	id := localID(f.MessageID())
	if id == "" {
		id = newID()
	}
	msg := Message{
		ID:        id,
		Text:      text,
		Sender:    SenderBot,
		Timestamp: now,
		Type:      TypeText,
	}

	if carousel.Detect(text) {
		if products := carousel.Parse(text); len(products) > 0 {
			msg.Text = carousel.RemainingText(text)
			msg.Type = TypeCarousel
			msg.Metadata = &Metadata{Products: products}
			return msg, true
		}
	}

	if len(data.QuickReplies) > 0 {
		md := &Metadata{QuickReplies: make([]QuickReply, 0, len(data.QuickReplies))}
		for _, qr := range data.QuickReplies {
			md.QuickReplies = append(md.QuickReplies, QuickReply{Title: qr.Title, Payload: qr.Payload})
		}
		msg.Type = TypeQuickReply
		msg.Metadata = md
	}

	if data.Media != "" {
		md := &Metadata{}
		switch data.Type {
		case "image":
			msg.Type, md.ImageURL = TypeImage, string(data.Media)
		case "video":
			msg.Type, md.VideoURL = TypeVideo, string(data.Media)
		case "audio":
			msg.Type, md.AudioURL = TypeAudio, string(data.Media)
		case "file":
			msg.Type, md.FileURL = TypeFile, string(data.Media)
		default:
			md = nil
		}
		if md != nil {
			// Media replaces any quick reply metadata.
			msg.Metadata = md
		}
	}
	return msg, true
}

// handleFrame applies one decoded frame. Callers hold c.mu.
func (c *Client) handleFrame(f frame.Frame) {
	switch f.Kind {
	case frame.KindStreamStart, frame.KindDelta, frame.KindStreamEnd:
		c.handleStream(f)

	case frame.KindPong:

	case frame.KindReadyForMessage:
		c.onReady()

	case frame.KindProjectLanguage:
		if f.Data != nil && f.Data.Language != "" {
			c.state.Language = string(f.Data.Language)
			c.dirty = true
		}
		c.logger.Info("project language", zap.String("language", c.state.Language))

	case frame.KindAllowContactTimeout:
		c.logger.Info("contact timeout allowed")

	case frame.KindError:
		c.logger.Warn("server error", zap.Stringer("error", f.Error))
		if IsDuplicateSession(string(f.Error)) {
			c.logger.Warn("session already registered by another connection",
				zap.String("session_id", c.sessionID))
			c.state.DuplicateSession = true
			c.dirty = true
		}

	case frame.KindWarning:
		c.logger.Warn("server warning", zap.Stringer("warning", f.Warning))

	case frame.KindTyping:
		c.setTyping(true)

	case frame.KindTypingStop:
		c.setTyping(false)

	case frame.KindMessage:
		msg, ok := decodeMessage(f, c.newID, c.now())
		if !ok {
			c.logger.Debug("dropping empty message")
			c.metrics.FrameDropped("empty")
			return
		}
		if c.dedup.IsDuplicate(f.MessageID()) || c.indexOf(msg.ID) >= 0 {
			c.logger.Debug("dropping redelivered message", zap.String("id", msg.ID))
			c.metrics.FrameDropped("duplicate")
			return
		}
		c.state.Messages = append(c.state.Messages, msg)
		c.state.IsTyping = false
		c.dirty = true
		c.emitMessage(msg)

	default:
		c.logger.Debug("ignoring unknown frame", zap.String("type", f.Type))
	}
}

func (c *Client) handleStream(f frame.Frame) {
	before := c.reasm.Stats()
	defer func() {
		after := c.reasm.Stats()
		c.metrics.Stream(
			after.Buffered-before.Buffered,
			after.Duplicates-before.Duplicates,
			after.Completed-before.Completed,
		)
	}()

	id := localID(f.MessageID())
	switch f.Kind {
	case frame.KindStreamStart:
		if id == "" {
			c.logger.Debug("stream_start without id")
			return
		}
		c.reasm.Start(id)
	case frame.KindDelta:
		seq, ok := f.Sequence()
		if !ok {
			c.logger.Debug("dropping delta with invalid seq", zap.ByteString("seq", f.Seq))
			c.metrics.FrameDropped("invalid_seq")
			return
		}
		c.reasm.Delta(seq, f.Fragment(), id)
	case frame.KindStreamEnd:
		if id == "" {
			c.logger.Debug("stream_end without id")
			return
		}
		c.reasm.End(id)
	}
}
