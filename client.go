// Package webchat is a Go client for the Weni WebChat socket protocol.
// It keeps one session-bound WebSocket alive, reconnects with capped
// backoff, reassembles streamed bot replies and exposes the conversation
// as a State snapshot plus event callbacks.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/NeboLoop/webchat-go-sdk/frame"
	"github.com/NeboLoop/webchat-go-sdk/internal/metrics"
	"github.com/NeboLoop/webchat-go-sdk/session"
	"github.com/NeboLoop/webchat-go-sdk/stream"
	"github.com/NeboLoop/webchat-go-sdk/wire"
)

// DefaultHost is the flows host used to build the register callback.
const DefaultHost = "https://flows.weni.ai"

// Reconnect policy.
const (
	MaxReconnectAttempts = 5
	backoffBase          = time.Second
	backoffMax           = 10 * time.Second
)

var (
	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("webchat: invalid config")
	// ErrNotConnected is returned when a command needs an open socket.
	ErrNotConnected = errors.New("webchat: not connected")
	// ErrNotRegistered is returned for messages sent before the server
	// acknowledged the registration.
	ErrNotRegistered = errors.New("webchat: session not ready")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("webchat: client closed")
	// ErrConnection wraps transport failures reported in State.Err.
	ErrConnection = errors.New("webchat: connection error")
)

// Config holds connection parameters.
type Config struct {
	SocketURL    string         // socket host, with or without scheme
	Host         string         // flows host for the callback; DefaultHost if empty
	ChannelUUID  string         // channel the session belongs to
	InitPayload  string         // sent as a user message once registered
	SessionToken string         // optional register token
	SessionID    string         // explicit session id; never persisted
	CustomFields map[string]any // sent once registered
	PingInterval time.Duration  // DefaultPingInterval if zero
	DialTimeout  time.Duration  // 10s if zero
}

// Handlers are optional event callbacks. They run on client goroutines
// without any client lock held, so they may call back into the Client.
type Handlers struct {
	OnMessage     func(Message)
	OnConnect     func()
	OnDisconnect  func()
	OnError       func(error)
	OnStateChange func(State)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDialer replaces the gobwas dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithSessionStore sets where session ids persist. The default keeps them
// in memory for the life of the process.
func WithSessionStore(s session.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithRegisterer registers the client metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = metrics.New(reg) }
}

// WithHandlers sets the event callbacks.
func WithHandlers(h Handlers) Option {
	return func(c *Client) { c.handlers = h }
}

type stopper interface {
	Stop() bool
}

// Client manages one WebChat session. All methods are safe for concurrent
// use.
type Client struct {
	cfg      Config
	url      string
	callback string
	dialer   Dialer
	store    session.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	handlers Handlers
	dedup    *frame.DedupWindow

	newID     func() string
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	ctx    context.Context
	cancel context.CancelFunc

	sessionOnce sync.Once
	sessionID   string

	mu         sync.Mutex
	sock       Socket
	open       bool
	dialGen    uint64
	registered bool
	ready      chan struct{}
	attempts   int
	reconnect  stopper
	keepalive  *KeepAlive
	closed     bool
	reasm      *stream.Reassembler
	state      State

	// notifications queued under mu, dispatched by unlock
	notes []func()
	dirty bool
}

// New validates cfg and returns a disconnected client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.SocketURL) == "" {
		return nil, fmt.Errorf("%w: socket url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ChannelUUID) == "" {
		return nil, fmt.Errorf("%w: channel uuid is required", ErrInvalidConfig)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		url:      SocketEndpoint(cfg.SocketURL),
		callback: CallbackURL(cfg.Host, cfg.ChannelUUID),
		dedup:    frame.NewDedupWindow(),
		newID:    uuid.NewString,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		state:  State{Status: Disconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.dialer == nil {
		c.dialer = WSDialer{Timeout: cfg.DialTimeout}
	}
	if c.store == nil {
		c.store = session.NewMemoryStore()
	}
	c.reasm = stream.New(streamSink{c}, c.newID)
	c.metrics.SetStatus(string(Disconnected))
	return c, nil
}

var schemeRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*:)?//`)

// SocketEndpoint builds the wss endpoint from a host that may carry any
// scheme prefix.
func SocketEndpoint(raw string) string {
	host := schemeRe.ReplaceAllString(strings.TrimSpace(raw), "")
	return "wss://" + strings.TrimRight(host, "/") + "/ws"
}

// CallbackURL is the register callback for a channel.
func CallbackURL(host, channelUUID string) string {
	if host == "" {
		host = DefaultHost
	}
	return strings.TrimRight(host, "/") + "/c/wwc/" + channelUUID + "/receive"
}

// BackoffDelay is the wait before reconnect attempt n (zero based):
// 1s doubling up to 10s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 8 {
		return backoffMax
	}
	return min(backoffBase<<attempt, backoffMax)
}

// Connect opens the socket asynchronously. It is a no-op while a socket is
// already open. A pending automatic reconnect is cancelled.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		c.logger.Debug("connect after close ignored")
		return
	}
	c.cancelReconnect()
	c.connectLocked()
}

func (c *Client) connectLocked() {
	if c.sock != nil && c.open {
		c.logger.Debug("already connected")
		return
	}
	if c.sock != nil {
		_ = c.sock.Close(CloseNormal, "reconnecting")
		c.sock = nil
	}
	c.stopKeepAlive()
	c.resetRegistration()

	c.state.IsConnecting = true
	c.state.Err = nil
	c.setStatus(Connecting)

	c.dialGen++
	go c.dial(c.dialGen)
}

func (c *Client) dial(gen uint64) {
	sessionID := c.resolveSessionID()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	sock, err := c.dialer.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	if gen != c.dialGen || c.closed {
		if sock != nil {
			_ = sock.Close(CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		c.onError(err)
		c.onClose(CloseAbnormal, "dial failed")
		return
	}

	c.sock = sock
	go c.watch(sock)
	c.onOpen(sessionID)
}

func (c *Client) resolveSessionID() string {
	c.sessionOnce.Do(func() {
		c.sessionID = session.GetID(c.ctx, c.store, c.cfg.ChannelUUID, c.cfg.SessionID, c.logger)
	})
	return c.sessionID
}

func (c *Client) watch(sock Socket) {
	for ev := range sock.Events() {
		c.handleEvent(sock, ev)
	}
}

// handleEvent applies one socket event. Events of replaced sockets are
// ignored.
func (c *Client) handleEvent(sock Socket, ev SocketEvent) {
	c.mu.Lock()
	defer c.unlock()
	if sock != c.sock {
		return
	}
	switch ev.Kind {
	case EventMessage:
		f, err := frame.Decode(ev.Data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			c.metrics.FrameDropped("malformed")
			return
		}
		c.metrics.FrameReceived(f.Kind.String())
		c.handleFrame(f)
	case EventError:
		c.onError(ev.Err)
	case EventClose:
		c.onClose(ev.Code, ev.Reason)
	}
}

func (c *Client) onOpen(sessionID string) {
	c.logger.Info("connected", zap.String("url", c.url), zap.String("session_id", sessionID))
	c.open = true
	c.attempts = 0
	c.state.IsConnected = true
	c.state.IsConnecting = false
	c.state.SessionID = sessionID
	c.state.Err = nil
	c.state.DuplicateSession = false
	c.setStatus(Connected)

	err := c.sendLocked(wire.TypeRegister, wire.RegisterFrame{
		Type:        wire.TypeRegister,
		From:        sessionID,
		Callback:    c.callback,
		SessionType: wire.SessionTypeLocal,
		Token:       c.cfg.SessionToken,
	})
	if err != nil {
		c.logger.Warn("register failed", zap.Error(err))
	}
	c.startKeepAlive()

	if fn := c.handlers.OnConnect; fn != nil {
		c.notes = append(c.notes, fn)
	}
}

func (c *Client) onError(err error) {
	c.logger.Warn("socket error", zap.Error(err))
	c.state.IsConnecting = false
	c.state.Err = fmt.Errorf("%w: %v", ErrConnection, err)
	c.setStatus(Errored)

	if fn := c.handlers.OnError; fn != nil {
		e := c.state.Err
		c.notes = append(c.notes, func() { fn(e) })
	}
}

func (c *Client) onClose(code int, reason string) {
	c.logger.Info("disconnected", zap.Int("code", code), zap.String("reason", reason))
	c.stopKeepAlive()
	c.resetRegistration()
	c.sock = nil
	c.open = false
	c.state.IsConnected = false
	c.state.IsConnecting = false
	c.setStatus(Disconnected)

	if fn := c.handlers.OnDisconnect; fn != nil {
		c.notes = append(c.notes, fn)
	}

	if code == CloseNormal || c.closed {
		return
	}
	if c.attempts >= MaxReconnectAttempts {
		c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", c.attempts))
		return
	}
	c.scheduleReconnect(BackoffDelay(c.attempts))
}

func (c *Client) scheduleReconnect(delay time.Duration) {
	c.cancelReconnect()
	c.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", c.attempts+1))

	var t stopper
	t = c.afterFunc(delay, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.reconnect != t || c.closed {
			return
		}
		c.reconnect = nil
		c.attempts++
		c.metrics.Reconnect()
		c.connectLocked()
	})
	c.reconnect = t
}

func (c *Client) cancelReconnect() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) startKeepAlive() {
	c.stopKeepAlive()
	var k *KeepAlive
	k = newKeepAlive(c.cfg.PingInterval, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.keepalive != k {
			return
		}
		if err := c.sendLocked(wire.TypePing, wire.PingFrame{Type: wire.TypePing}); err != nil {
			c.logger.Debug("ping failed", zap.Error(err))
		}
	})
	c.keepalive = k
	k.Start()
}

func (c *Client) stopKeepAlive() {
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
}

func (c *Client) onReady() {
	c.logger.Info("ready for messages", zap.String("session_id", c.sessionID))
	if !c.registered {
		c.registered = true
		close(c.ready)
	}

	if c.cfg.InitPayload != "" {
		if err := c.sendLocked(wire.TypeMessage, c.messageFrame(c.cfg.InitPayload)); err != nil {
			c.logger.Warn("init payload failed", zap.Error(err))
		}
	}

	keys := make([]string, 0, len(c.cfg.CustomFields))
	for k := range c.cfg.CustomFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.sendLocked(wire.TypeSetCustomField, c.customFieldFrame(k, c.cfg.CustomFields[k])); err != nil {
			c.logger.Warn("custom field failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// resetRegistration forgets the ready_for_message of the previous socket.
func (c *Client) resetRegistration() {
	if c.registered {
		c.registered = false
		c.ready = make(chan struct{})
	}
}

// Disconnect closes the socket with a normal closure and cancels any
// pending reconnect. It does not reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	c.cancelReconnect()
	c.stopKeepAlive()
	c.dialGen++

	wasOpen := c.open
	if c.sock != nil {
		if err := c.sock.Close(CloseNormal, "User disconnect"); err != nil {
			c.logger.Debug("close failed", zap.Error(err))
		}
		c.sock = nil
	}
	c.open = false
	c.attempts = 0
	c.resetRegistration()
	c.state.IsConnected = false
	c.state.IsConnecting = false
	c.setStatus(Disconnected)

	if fn := c.handlers.OnDisconnect; wasOpen && fn != nil {
		c.notes = append(c.notes, fn)
	}
}

// Close disconnects and releases the client. It is safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return nil
	}
	c.disconnectLocked()
	c.closed = true
	c.cancel()
	return nil
}

// SendMessage sends text as a user message. The message is appended to the
// conversation and the typing indicator raised only when the frame was
// queued.
func (c *Client) SendMessage(text string) error {
	return c.sendUser(text, text)
}

// SendQuickReply sends payload and shows title (or payload when title is
// empty) as the user's message.
func (c *Client) SendQuickReply(payload, title string) error {
	if title == "" {
		title = payload
	}
	return c.sendUser(payload, title)
}

func (c *Client) sendUser(payload, display string) error {
	c.mu.Lock()
	defer c.unlock()
	if c.sock == nil || !c.open {
		c.logger.Warn("send while not connected")
		return ErrNotConnected
	}
	if !c.registered {
		c.logger.Warn("send before session ready")
		return ErrNotRegistered
	}
	if err := c.sendLocked(wire.TypeMessage, c.messageFrame(payload)); err != nil {
		return err
	}

	c.state.Messages = append(c.state.Messages, Message{
		ID:        c.newID(),
		Text:      display,
		Sender:    SenderUser,
		Timestamp: c.now(),
		Type:      TypeText,
	})
	c.state.IsTyping = true
	c.dirty = true
	return nil
}

// SetCustomField updates a contact field on the open session.
func (c *Client) SetCustomField(key string, value any) error {
	c.mu.Lock()
	defer c.unlock()
	return c.sendLocked(wire.TypeSetCustomField, c.customFieldFrame(key, value))
}

// ClearMessages empties the local conversation. The server is not told.
func (c *Client) ClearMessages() {
	c.mu.Lock()
	defer c.unlock()
	c.state.Messages = nil
	c.dirty = true
}

// State returns a snapshot of the client state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// WaitReady blocks until the server acknowledges the registration of the
// current socket.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) messageFrame(text string) wire.MessageFrame {
	return wire.MessageFrame{
		Type:    wire.TypeMessage,
		Message: wire.OutboundMessage{Type: "text", Text: text},
		Context: "",
		From:    c.sessionID,
	}
}

func (c *Client) customFieldFrame(key string, value any) wire.CustomFieldFrame {
	return wire.CustomFieldFrame{
		Type: wire.TypeSetCustomField,
		Data: wire.CustomField{Key: key, Value: value},
		From: c.sessionID,
	}
}

// sendLocked encodes v and queues it on the open socket.
func (c *Client) sendLocked(typ string, v any) error {
	if c.sock == nil || !c.open {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := c.sock.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	c.metrics.FrameSent(typ)
	c.logger.Debug("frame sent", zap.String("type", typ))
	return nil
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.state.Status = s
	c.metrics.SetStatus(string(s))
	c.dirty = true
}

func (c *Client) setTyping(on bool) {
	if c.state.IsTyping != on {
		c.state.IsTyping = on
		c.dirty = true
	}
}

func (c *Client) indexOf(id string) int {
	for i := len(c.state.Messages) - 1; i >= 0; i-- {
		if c.state.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Client) emitMessage(m Message) {
	if fn := c.handlers.OnMessage; fn != nil {
		m = m.clone()
		c.notes = append(c.notes, func() { fn(m) })
	}
}

func (c *Client) snapshot() State {
	s := c.state
	s.Messages = make([]Message, len(c.state.Messages))
	for i, m := range c.state.Messages {
		s.Messages[i] = m.clone()
	}
	return s
}

// unlock releases mu and then runs the notifications queued while it was
// held, followed by a state snapshot when anything changed.
func (c *Client) unlock() {
	notes := c.notes
	c.notes = nil
	if c.dirty {
		c.dirty = false
		if fn := c.handlers.OnStateChange; fn != nil {
			snap := c.snapshot()
			notes = append(notes, func() { fn(snap) })
		}
	}
	c.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

// streamSink applies reassembly effects to the message list. Calls arrive
// with c.mu held.
type streamSink struct{ c *Client }

func (s streamSink) SetTyping(on bool) { s.c.setTyping(on) }

func (s streamSink) UpsertStreaming(id, text string) {
	c := s.c
	if i := c.indexOf(id); i >= 0 {
		m := &c.state.Messages[i]
		if m.Status == StatusDelivered {
			return
		}
		m.Text = text
		m.Status = StatusStreaming
		m.Timestamp = c.now()
	} else {
		c.state.Messages = append(c.state.Messages, Message{
			ID:        id,
			Text:      text,
			Sender:    SenderBot,
			Timestamp: c.now(),
			Type:      TypeText,
			Status:    StatusStreaming,
		})
	}
	c.dirty = true
}

func (s streamSink) Deliver(id, text string) {
	c := s.c
	i := c.indexOf(id)
	if i < 0 {
		return
	}
	m := &c.state.Messages[i]
	if m.Status == StatusDelivered {
		return
	}
	m.Text = text
	m.Status = StatusDelivered
	m.Timestamp = c.now()
	c.dirty = true
	c.emitMessage(*m)
}
