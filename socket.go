package webchat

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocket close codes used by the client.
const (
	CloseNormal   = 1000
	CloseNoStatus = 1005
	CloseAbnormal = 1006
)

// EventKind discriminates socket events.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventError
	EventClose
)

// SocketEvent is delivered by a Socket in arrival order. The last event of
// every socket is an EventClose.
type SocketEvent struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Socket is one WebSocket connection.
type Socket interface {
	// Send queues a text frame.
	Send(data []byte) error
	// Close starts the closing handshake.
	Close(code int, reason string) error
	// Events is closed after the final EventClose.
	Events() <-chan SocketEvent
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

var errSocketClosed = errors.New("socket closed")

// closeWriteTimeout bounds the close frame write on a stalled connection.
const closeWriteTimeout = time.Second

// WSDialer dials sockets with gobwas/ws.
type WSDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
	Header    http.Header
}

// Dial performs the WebSocket handshake and starts the socket loops.
func (d WSDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := ws.Dialer{
		Timeout:   d.Timeout,
		TLSConfig: d.TLSConfig,
	}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}
	s := &wsSocket{
		conn:   conn,
		events: make(chan SocketEvent, 64),
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop(src)
	go s.writeLoop()
	return s, nil
}

type wsSocket struct {
	conn   net.Conn
	wmu    sync.Mutex
	events chan SocketEvent
	sendCh chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	mu          sync.Mutex
	localCode   int
	localReason string
}

func (s *wsSocket) Events() <-chan SocketEvent { return s.events }

func (s *wsSocket) Send(data []byte) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return errSocketClosed
	default:
		return errors.New("send buffer full")
	}
}

func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.localCode, s.localReason = code, reason
		s.mu.Unlock()
		close(s.done)

		_ = s.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = s.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSocket) write(op ws.OpCode, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteClientMessage(s.conn, op, p)
}

func (s *wsSocket) writeLoop() {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.write(ws.OpText, data); err != nil {
				// The read side observes the broken connection and reports it.
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSocket) readLoop(src io.Reader) {
	defer close(s.events)

	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: s.control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.finish(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := s.control(hdr, rd); err != nil {
				s.finish(err)
				return
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				s.finish(err)
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			s.finish(err)
			return
		}
		s.events <- SocketEvent{Kind: EventMessage, Data: data}
	}
}

func (s *wsSocket) control(h ws.Header, r io.Reader) error {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpPing:
		return s.write(ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		var body []byte
		if !code.Empty() {
			body = ws.NewCloseFrameBody(code, "")
		}
		_ = s.write(ws.OpClose, body)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// finish emits the terminal events for a read error.
func (s *wsSocket) finish(err error) {
	s.mu.Lock()
	code, reason := s.localCode, s.localReason
	s.mu.Unlock()

	var closed wsutil.ClosedError
	switch {
	case code != 0:
		s.events <- SocketEvent{Kind: EventClose, Code: code, Reason: reason}
	case errors.As(err, &closed):
		c := int(closed.Code)
		if c == 0 {
			c = CloseNoStatus
		}
		s.events <- SocketEvent{Kind: EventClose, Code: c, Reason: closed.Reason}
	default:
		s.events <- SocketEvent{Kind: EventError, Err: err}
		s.events <- SocketEvent{Kind: EventClose, Code: CloseAbnormal}
	}
	_ = s.conn.Close()
}
