// Package frame decodes inbound WebChat socket messages and resolves each one
// into an explicit Kind.
//
// Most frames carry a "type" discriminator. Streaming deltas do not:
//
//	{"seq": 3, "v": "lo w"}
//
// A frame with both "seq" and "v" and no "type" key is a delta, regardless of
// any other field it carries. An explicit "type":"delta" is a delta too. Classification is done once, here, so handlers
// switch on Kind instead of probing the payload shape.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/NeboLoop/webchat-go-sdk/wire"
)

// Kind is the resolved frame type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStreamStart
	KindDelta
	KindStreamEnd
	KindReadyForMessage
	KindProjectLanguage
	KindAllowContactTimeout
	KindError
	KindWarning
	KindTyping
	KindTypingStop
	KindPong
	KindMessage
)

var kindNames = [...]string{
	KindUnknown:             "unknown",
	KindStreamStart:         "stream_start",
	KindDelta:               "delta",
	KindStreamEnd:           "stream_end",
	KindReadyForMessage:     "ready_for_message",
	KindProjectLanguage:     "project_language",
	KindAllowContactTimeout: "allow_contact_timeout",
	KindError:               "error",
	KindWarning:             "warning",
	KindTyping:              "typing",
	KindTypingStop:          "typing_stop",
	KindPong:                "pong",
	KindMessage:             "message",
}

// String returns the protocol name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ErrMalformed is returned for payloads that are not a JSON object.
var ErrMalformed = errors.New("frame: malformed payload")

// controlKinds maps top-level type values to their kind.
var controlKinds = map[string]Kind{
	wire.TypeStreamStart:     KindStreamStart,
	wire.TypeDelta:           KindDelta,
	wire.TypeStreamEnd:       KindStreamEnd,
	wire.TypeReadyForMessage: KindReadyForMessage,
	wire.TypeProjectLanguage: KindProjectLanguage,
	wire.TypeAllowContact:    KindAllowContactTimeout,
	wire.TypeError:           KindError,
	wire.TypeWarning:         KindWarning,
	wire.TypeTyping:          KindTyping,
	wire.TypeTypingStart:     KindTyping,
	wire.TypeTypingStop:      KindTypingStop,
	wire.TypePong:            KindPong,
}

// Frame is a decoded server frame and its classification.
type Frame struct {
	Kind Kind
	wire.ServerFrame
}

// Decode parses one socket payload. Payloads carrying the zstd magic are
// decompressed first.
func Decode(data []byte) (Frame, error) {
	if IsCompressed(data) {
		plain, err := Decompress(data)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
		data = plain
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Frame{}, ErrMalformed
	}

	var sf wire.ServerFrame
	if err := json.Unmarshal(data, &sf); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Frame{Kind: classify(fields, &sf), ServerFrame: sf}, nil
}

func classify(fields map[string]json.RawMessage, sf *wire.ServerFrame) Kind {
	_, hasSeq := fields["seq"]
	_, hasV := fields["v"]
	_, hasType := fields["type"]
	if hasSeq && hasV && !hasType {
		return KindDelta
	}

	if k, ok := controlKinds[sf.Type]; ok {
		return k
	}

	// Streaming markers are occasionally nested in the message object.
	if sf.Type == "" && sf.Message != nil {
		switch sf.Message.Type {
		case wire.TypeStreamStart:
			return KindStreamStart
		case wire.TypeStreamEnd:
			return KindStreamEnd
		}
	}

	if sf.Type == wire.TypeMessage || sf.Message != nil {
		return KindMessage
	}
	if sf.Type == "" && sf.Text != "" {
		return KindMessage
	}
	return KindUnknown
}

// Sequence returns the delta sequence number. ok is false unless seq is a
// positive integer.
func (f Frame) Sequence() (int, bool) {
	if len(f.Seq) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(f.Seq, &n); err != nil {
		return 0, false
	}
	if n < 1 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

// Fragment returns the delta text. A missing or non-string v is empty.
func (f Frame) Fragment() string {
	var s string
	if len(f.V) == 0 || json.Unmarshal(f.V, &s) != nil {
		return ""
	}
	return s
}

// MessageID returns the server id of the message the frame refers to:
// message.messageId first, then the top-level id.
func (f Frame) MessageID() string {
	if f.Message != nil && f.Message.MessageID != "" {
		return string(f.Message.MessageID)
	}
	return string(f.ID)
}

// MessageText returns message.text, falling back to the top-level text.
func (f Frame) MessageText() string {
	if f.Message != nil && f.Message.Text != "" {
		return string(f.Message.Text)
	}
	return string(f.Text)
}
