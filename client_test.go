package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSocket struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
	reason string
	events chan SocketEvent
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan SocketEvent, 8)}
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.code, s.reason = code, reason
	s.events <- SocketEvent{Kind: EventClose, Code: code, Reason: reason}
	close(s.events)
	return nil
}

func (s *fakeSocket) Events() <-chan SocketEvent { return s.events }

type sentFrame struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
	Data struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	} `json:"data"`
	Callback    string `json:"callback"`
	SessionType string `json:"session_type"`
	Token       string `json:"token"`
}

func (s *fakeSocket) frames(t *testing.T) []sentFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, 0, len(s.sent))
	for _, raw := range s.sent {
		var f sentFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (s *fakeSocket) types(t *testing.T) []string {
	var out []string
	for _, f := range s.frames(t) {
		out = append(out, f.Type)
	}
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   error
	dials  int
	dialed chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	s := newFakeSocket()
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeTimer struct{ stopped atomic.Bool }

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type scheduled struct {
	delay time.Duration
	fire  func()
	timer *fakeTimer
}

type fakeClock struct{ ch chan scheduled }

func (f *fakeClock) afterFunc(d time.Duration, fn func()) stopper {
	t := &fakeTimer{}
	f.ch <- scheduled{delay: d, fire: fn, timer: t}
	return t
}

func (f *fakeClock) next(t *testing.T) scheduled {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("no reconnect scheduled")
		return scheduled{}
	}
}

func (f *fakeClock) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.ch:
		t.Fatalf("unexpected reconnect scheduled after %v", s.delay)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- helpers ---

func testConfig() Config {
	return Config{
		SocketURL:    "https://websocket.weni.ai",
		ChannelUUID:  "chan-1",
		SessionID:    "sess-1",
		PingInterval: time.Hour,
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) (*Client, *fakeDialer, *fakeClock) {
	t.Helper()
	d := newFakeDialer()
	c, err := New(cfg, append([]Option{WithDialer(d)}, opts...)...)
	require.NoError(t, err)
	clock := &fakeClock{ch: make(chan scheduled, 16)}
	c.afterFunc = clock.afterFunc
	t.Cleanup(func() { _ = c.Close() })
	return c, d, clock
}

func waitDial(t *testing.T, d *fakeDialer) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func connectClient(t *testing.T, c *Client, d *fakeDialer) *fakeSocket {
	t.Helper()
	c.Connect()
	sock := waitDial(t, d)
	require.Eventually(t, func() bool { return c.State().IsConnected }, time.Second, time.Millisecond)
	return sock
}

func deliver(c *Client, sock *fakeSocket, frames ...string) {
	for _, f := range frames {
		c.handleEvent(sock, SocketEvent{Kind: EventMessage, Data: []byte(f)})
	}
}

func readyClient(t *testing.T, c *Client, d *fakeDialer) *fakeSocket {
	t.Helper()
	sock := connectClient(t, c, d)
	deliver(c, sock, `{"type":"ready_for_message"}`)
	return sock
}

type recorder struct {
	mu          sync.Mutex
	messages    []Message
	connects    int
	disconnects int
	errs        []error
	states      int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(m Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, m)
		},
		OnConnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnDisconnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnStateChange: func(State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states++
		},
	}
}

func (r *recorder) counts() (connects, disconnects, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects, len(r.errs)
}

func (r *recorder) received() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// --- tests ---

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for n, d := range want {
		assert.Equal(t, d, BackoffDelay(n), "attempt %d", n)
	}
	assert.Equal(t, time.Second, BackoffDelay(-1))
	assert.Equal(t, 10*time.Second, BackoffDelay(1000))
}

func TestSocketEndpoint(t *testing.T) {
	cases := map[string]string{
		"websocket.weni.ai":         "wss://websocket.weni.ai/ws",
		"https://websocket.weni.ai": "wss://websocket.weni.ai/ws",
		"http://websocket.weni.ai/": "wss://websocket.weni.ai/ws",
		"wss://websocket.weni.ai":   "wss://websocket.weni.ai/ws",
		"//websocket.weni.ai":       "wss://websocket.weni.ai/ws",
		"  ws://localhost:8080  ":   "wss://localhost:8080/ws",
	}
	for in, want := range cases {
		assert.Equal(t, want, SocketEndpoint(in), in)
	}
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "https://flows.weni.ai/c/wwc/abc/receive", CallbackURL("", "abc"))
	assert.Equal(t, "https://flows.example.com/c/wwc/abc/receive", CallbackURL("https://flows.example.com/", "abc"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChannelUUID: "c"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{SocketURL: "ws.example.com"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(Config{SocketURL: "ws.example.com", ChannelUUID: "c"})
	require.NoError(t, err)
	defer c.Close()
	s := c.State()
	assert.Equal(t, Disconnected, s.Status)
	assert.False(t, s.IsConnected)
	assert.Empty(t, s.Messages)
}

func TestConnectSendsRegister(t *testing.T) {
	cfg := testConfig()
	cfg.SessionToken = "tok"
	rec := &recorder{}
	c, d, _ := newTestClient(t, cfg, WithHandlers(rec.handlers()))

	sock := connectClient(t, c, d)

	frames := sock.frames(t)
	require.Len(t, frames, 1)
	reg := frames[0]
	assert.Equal(t, "register", reg.Type)
	assert.Equal(t, "sess-1", reg.From)
	assert.Equal(t, "https://flows.weni.ai/c/wwc/chan-1/receive", reg.Callback)
	assert.Equal(t, "local", reg.SessionType)
	assert.Equal(t, "tok", reg.Token)

	s := c.State()
	assert.Equal(t, Connected, s.Status)
	assert.Equal(t, "sess-1", s.SessionID)
	assert.Nil(t, s.Err)
	require.Eventually(t, func() bool {
		n, _, _ := rec.counts()
		return n == 1
	}, time.Second, time.Millisecond)

	// A second Connect while open does nothing.
	c.Connect()
	assert.Equal(t, 1, d.count())
}

func TestSessionIDFromStore(t *testing.T) {
	cfg := testConfig()
	cfg.SessionID = ""
	c, d, _ := newTestClient(t, cfg)

	sock := connectClient(t, c, d)
	id := c.State().SessionID
	require.NotEmpty(t, id)
	assert.Equal(t, id, sock.frames(t)[0].From)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: CloseNormal})
	sock2 := connectClient(t, c, d)
	assert.Equal(t, id, sock2.frames(t)[0].From, "session id is stable across reconnects")
}

func TestReadySendsInitPayloadAndCustomFields(t *testing.T) {
	cfg := testConfig()
	cfg.InitPayload = "start"
	cfg.CustomFields = map[string]any{"plan": "gold", "age": 30}
	c, d, _ := newTestClient(t, cfg)

	sock := connectClient(t, c, d)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)

	deliver(c, sock, `{"type":"ready_for_message"}`)
	require.NoError(t, c.WaitReady(context.Background()))

	frames := sock.frames(t)
	require.Len(t, frames, 4)
	assert.Equal(t, "message", frames[1].Type)
	assert.Equal(t, "start", frames[1].Message.Text)
	assert.Equal(t, "text", frames[1].Message.Type)
	assert.Equal(t, "sess-1", frames[1].From)
	assert.Equal(t, "set_custom_field", frames[2].Type)
	assert.Equal(t, "age", frames[2].Data.Key)
	assert.Equal(t, 30.0, frames[2].Data.Value)
	assert.Equal(t, "plan", frames[3].Data.Key)
	assert.Equal(t, "gold", frames[3].Data.Value)
	assert.Empty(t, c.State().Messages, "init payload is not shown")
}

func TestSendMessageRequiresReadySession(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())

	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotConnected)

	sock := connectClient(t, c, d)
	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotRegistered)
	assert.Empty(t, c.State().Messages)
	assert.Equal(t, []string{"register"}, sock.types(t))

	deliver(c, sock, `{"type":"ready_for_message"}`)
	require.NoError(t, c.SendMessage("hi"))

	s := c.State()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "hi", s.Messages[0].Text)
	assert.Equal(t, SenderUser, s.Messages[0].Sender)
	assert.Equal(t, TypeText, s.Messages[0].Type)
	assert.True(t, s.IsTyping, "typing is raised optimistically")

	frames := sock.frames(t)
	assert.Equal(t, "message", frames[len(frames)-1].Type)
	assert.Equal(t, "hi", frames[len(frames)-1].Message.Text)
}

func TestSendQuickReply(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	require.NoError(t, c.SendQuickReply("opt_1", "Option one"))
	require.NoError(t, c.SendQuickReply("opt_2", ""))

	msgs := c.State().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Option one", msgs[0].Text)
	assert.Equal(t, "opt_2", msgs[1].Text)

	frames := sock.frames(t)
	assert.Equal(t, "opt_1", frames[1].Message.Text)
	assert.Equal(t, "opt_2", frames[2].Message.Text)
}

func TestSetCustomField(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	assert.ErrorIs(t, c.SetCustomField("k", "v"), ErrNotConnected)

	sock := connectClient(t, c, d)
	require.NoError(t, c.SetCustomField("k", "v"))
	frames := sock.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "set_custom_field", frames[1].Type)
	assert.Equal(t, "k", frames[1].Data.Key)
}

func TestStreamedReplyOutOfOrder(t *testing.T) {
	rec := &recorder{}
	c, d, _ := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
	sock := readyClient(t, c, d)

	deliver(c, sock, `{"type":"stream_start","id":"abc"}`)
	assert.True(t, c.State().IsTyping)

	deliver(c, sock, `{"seq":2,"v":"lo"}`)
	s := c.State()
	assert.False(t, s.IsTyping, "first delta clears typing")
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "", s.Messages[0].Text)
	assert.Equal(t, StatusStreaming, s.Messages[0].Status)

	deliver(c, sock, `{"seq":1,"v":"Hel"}`)
	assert.Equal(t, "Hello", c.State().Messages[0].Text)
	assert.Empty(t, rec.received(), "nothing delivered before stream_end")

	deliver(c, sock, `{"type":"stream_end","id":"abc"}`)
	s = c.State()
	require.Len(t, s.Messages, 1)
	m := s.Messages[0]
	assert.Equal(t, "msg_abc", m.ID)
	assert.Equal(t, "Hello", m.Text)
	assert.Equal(t, SenderBot, m.Sender)
	assert.Equal(t, StatusDelivered, m.Status)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, StatusDelivered, got[0].Status)
}

// A stream_end with no deltas leaves the conversation untouched: the bot
// message is created by the first delta and delivering a message that was
// never created is a no-op.
func TestStreamEndWithoutDeltasCreatesNoMessage(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	deliver(c, sock, `{"type":"stream_start","id":"abc"}`, `{"type":"stream_end","id":"abc"}`)
	s := c.State()
	assert.Empty(t, s.Messages)
	assert.False(t, s.IsTyping)
}

func TestStreamWithNumericID(t *testing.T) {
	rec := &recorder{}
	c, d, _ := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
	sock := readyClient(t, c, d)

	deliver(c, sock,
		`{"type":"stream_start","id":42}`,
		`{"seq":1,"v":"Hel"}`,
		`{"type":"delta","seq":2,"v":"lo"}`,
		`{"type":"stream_end","id":42}`,
	)
	s := c.State()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "msg_42", s.Messages[0].ID)
	assert.Equal(t, "Hello", s.Messages[0].Text)
	assert.Equal(t, StatusDelivered, s.Messages[0].Status)
	require.Len(t, rec.received(), 1)
}

func TestLooselyTypedFields(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	deliver(c, sock,
		`{"type":"message","message":{"messageId":7,"text":"hi"}}`,
		`{"type":"project_language","data":{"language":5}}`,
		`{"type":"error","error":{"code":1}}`,
	)
	s := c.State()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "msg_7", s.Messages[0].ID)
	assert.Equal(t, "5", s.Language)
	assert.False(t, s.DuplicateSession)
}

func TestStreamMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, d, _ := newTestClient(t, testConfig(), WithRegisterer(reg))
	sock := readyClient(t, c, d)

	deliver(c, sock,
		`{"type":"stream_start","id":"abc"}`,
		`{"seq":2,"v":"lo"}`,
		`{"seq":1,"v":"Hel"}`,
		`{"seq":1,"v":"Hel"}`,
		`{"type":"stream_end","id":"abc"}`,
		`not json`,
	)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.DeltasBuffered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.DeltasDiscarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.StreamsCompleted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.metrics.FramesReceived.WithLabelValues("delta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.FramesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.FramesSent.WithLabelValues("register")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.Status.WithLabelValues("connected")))
}

func TestBotMessages(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		typ   MessageType
		text  string
		check func(t *testing.T, md *Metadata)
	}{
		{
			name:  "text",
			frame: `{"type":"message","message":{"type":"text","text":"hello"}}`,
			typ:   TypeText,
			text:  "hello",
			check: func(t *testing.T, md *Metadata) { assert.Nil(t, md) },
		},
		{
			name:  "top level text",
			frame: `{"type":"message","text":"hello"}`,
			typ:   TypeText,
			text:  "hello",
		},
		{
			name:  "image",
			frame: `{"type":"message","message":{"type":"image","media":"https://cdn/x.png"}}`,
			typ:   TypeImage,
			check: func(t *testing.T, md *Metadata) { assert.Equal(t, "https://cdn/x.png", md.ImageURL) },
		},
		{
			name:  "video",
			frame: `{"message":{"type":"video","media":"https://cdn/x.mp4","text":"watch"}}`,
			typ:   TypeVideo,
			text:  "watch",
			check: func(t *testing.T, md *Metadata) { assert.Equal(t, "https://cdn/x.mp4", md.VideoURL) },
		},
		{
			name:  "audio",
			frame: `{"type":"message","message":{"type":"audio","media":"https://cdn/x.ogg"}}`,
			typ:   TypeAudio,
			check: func(t *testing.T, md *Metadata) { assert.Equal(t, "https://cdn/x.ogg", md.AudioURL) },
		},
		{
			name:  "file",
			frame: `{"type":"message","message":{"type":"file","media":"https://cdn/x.pdf"}}`,
			typ:   TypeFile,
			check: func(t *testing.T, md *Metadata) { assert.Equal(t, "https://cdn/x.pdf", md.FileURL) },
		},
		{
			name:  "quick replies",
			frame: `{"type":"message","message":{"type":"text","text":"pick","quick_replies":[{"title":"A","payload":"a"},{"title":"B","payload":"b"}]}}`,
			typ:   TypeQuickReply,
			text:  "pick",
			check: func(t *testing.T, md *Metadata) {
				assert.Equal(t, []QuickReply{{Title: "A", Payload: "a"}, {Title: "B", Payload: "b"}}, md.QuickReplies)
			},
		},
		{
			name:  "carousel",
			frame: `{"type":"message","message":{"type":"text","text":"Look:\n<carousel><product><id>1</id><name>Shoe</name><price>R$ 10</price></product></carousel>"}}`,
			typ:   TypeCarousel,
			text:  "Look:",
			check: func(t *testing.T, md *Metadata) {
				require.Len(t, md.Products, 1)
				assert.Equal(t, "Shoe", md.Products[0].Name)
			},
		},
		{
			name:  "carousel without named products stays text",
			frame: `{"type":"message","message":{"type":"text","text":"<carousel><product><id>1</id></product></carousel>"}}`,
			typ:   TypeText,
			text:  "<carousel><product><id>1</id></product></carousel>",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			c, d, _ := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
			sock := readyClient(t, c, d)
			deliver(c, sock, `{"type":"typing"}`)
			require.True(t, c.State().IsTyping)

			deliver(c, sock, tc.frame)

			s := c.State()
			require.Len(t, s.Messages, 1)
			m := s.Messages[0]
			assert.Equal(t, tc.typ, m.Type)
			assert.Equal(t, tc.text, m.Text)
			assert.Equal(t, SenderBot, m.Sender)
			assert.NotEmpty(t, m.ID)
			assert.False(t, s.IsTyping)
			if tc.check != nil {
				tc.check(t, m.Metadata)
			}
			require.Len(t, rec.received(), 1)
		})
	}
}

func TestEmptyMessageDropped(t *testing.T) {
	rec := &recorder{}
	c, d, _ := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
	sock := readyClient(t, c, d)

	deliver(c, sock,
		`{"type":"message","message":{"type":"text","text":""}}`,
		`{"type":"message","message":{"type":"image"}}`,
		`{"type":"message"}`,
	)
	assert.Empty(t, c.State().Messages)
	assert.Empty(t, rec.received())
}

func TestRedeliveredMessageDropped(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	const f = `{"type":"message","message":{"type":"text","text":"once","messageId":"m1"}}`
	deliver(c, sock, f, f)

	msgs := c.State().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg_m1", msgs[0].ID)
}

func TestTypingFrames(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	deliver(c, sock, `{"type":"typing_start"}`)
	assert.True(t, c.State().IsTyping)
	deliver(c, sock, `{"type":"typing_stop"}`)
	assert.False(t, c.State().IsTyping)

	// A typing frame that also carries content only raises the indicator.
	deliver(c, sock, `{"type":"typing","message":{"text":"hi"}}`)
	s := c.State()
	assert.True(t, s.IsTyping)
	assert.Empty(t, s.Messages)
}

func TestControlFrames(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)

	deliver(c, sock,
		`{"type":"project_language","data":{"language":"pt-br"}}`,
		`{"type":"allow_contact_timeout"}`,
		`{"type":"warning","warning":"slow down"}`,
		`{"type":"pong"}`,
		`{"type":"mystery"}`,
	)
	s := c.State()
	assert.Equal(t, "pt-br", s.Language)
	assert.False(t, s.DuplicateSession)
	assert.Empty(t, s.Messages)
	assert.True(t, s.IsConnected)

	deliver(c, sock, `{"type":"error","error":"unable to register: client already exists"}`)
	assert.True(t, c.State().DuplicateSession)
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	rec := &recorder{}
	c, d, clock := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
	sock := connectClient(t, c, d)

	c.Disconnect()

	sock.mu.Lock()
	assert.True(t, sock.closed)
	assert.Equal(t, CloseNormal, sock.code)
	assert.Equal(t, "User disconnect", sock.reason)
	sock.mu.Unlock()

	s := c.State()
	assert.Equal(t, Disconnected, s.Status)
	assert.False(t, s.IsConnected)
	assert.False(t, s.IsConnecting)
	_, disconnects, _ := rec.counts()
	assert.Equal(t, 1, disconnects)
	clock.none(t)
	assert.Equal(t, 1, d.count())

	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotConnected)
}

func TestNormalServerCloseDoesNotReconnect(t *testing.T) {
	c, d, clock := newTestClient(t, testConfig())
	sock := connectClient(t, c, d)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: CloseNormal})
	assert.Equal(t, Disconnected, c.State().Status)
	clock.none(t)
}

func TestAbnormalCloseReconnects(t *testing.T) {
	rec := &recorder{}
	c, d, clock := newTestClient(t, testConfig(), WithHandlers(rec.handlers()))
	old := readyClient(t, c, d)

	c.handleEvent(old, SocketEvent{Kind: EventError, Err: errors.New("reset by peer")})
	assert.Equal(t, Errored, c.State().Status)
	require.ErrorIs(t, c.State().Err, ErrConnection)

	c.handleEvent(old, SocketEvent{Kind: EventClose, Code: CloseAbnormal})
	s := c.State()
	assert.Equal(t, Disconnected, s.Status)
	assert.False(t, s.IsConnected)

	next := clock.next(t)
	assert.Equal(t, time.Second, next.delay)

	next.fire()
	fresh := waitDial(t, d)
	require.Eventually(t, func() bool { return c.State().IsConnected }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"register"}, fresh.types(t))
	assert.Nil(t, c.State().Err)

	// The replaced socket no longer affects the client.
	deliver(c, old, `{"type":"message","message":{"text":"stale"}}`)
	c.handleEvent(old, SocketEvent{Kind: EventClose, Code: CloseAbnormal})
	s = c.State()
	assert.Empty(t, s.Messages)
	assert.True(t, s.IsConnected)
	clock.none(t)

	// Registration must be repeated on the new socket.
	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotRegistered)

	require.Eventually(t, func() bool {
		n, _, _ := rec.counts()
		return n == 2
	}, time.Second, time.Millisecond)
	_, disconnects, errs := rec.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, errs)
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	c, d, clock := newTestClient(t, testConfig())
	d.fail = errors.New("connection refused")

	c.Connect()
	var delays []time.Duration
	for i := 0; i < MaxReconnectAttempts; i++ {
		next := clock.next(t)
		delays = append(delays, next.delay)
		next.fire()
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, delays)

	require.Eventually(t, func() bool { return d.count() == MaxReconnectAttempts+1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !c.State().IsConnecting }, time.Second, time.Millisecond)
	clock.none(t)
	assert.Equal(t, Disconnected, c.State().Status)
	assert.ErrorIs(t, c.State().Err, ErrConnection)
}

func TestSuccessfulOpenResetsAttempts(t *testing.T) {
	c, d, clock := newTestClient(t, testConfig())
	sock := connectClient(t, c, d)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: CloseAbnormal})
	next := clock.next(t)
	next.fire()
	sock = waitDial(t, d)
	require.Eventually(t, func() bool { return c.State().IsConnected }, time.Second, time.Millisecond)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: 1011})
	assert.Equal(t, time.Second, clock.next(t).delay, "backoff restarts after a successful open")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	c, d, clock := newTestClient(t, testConfig())
	sock := connectClient(t, c, d)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: CloseAbnormal})
	next := clock.next(t)

	c.Disconnect()
	assert.True(t, next.timer.stopped.Load())

	// A timer that fires anyway is ignored.
	next.fire()
	assert.False(t, c.State().IsConnecting)
	assert.Equal(t, 1, d.count())
}

func TestManualConnectCancelsPendingReconnect(t *testing.T) {
	c, d, clock := newTestClient(t, testConfig())
	sock := connectClient(t, c, d)

	c.handleEvent(sock, SocketEvent{Kind: EventClose, Code: CloseAbnormal})
	next := clock.next(t)

	connectClient(t, c, d)
	assert.True(t, next.timer.stopped.Load())

	next.fire()
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	assert.Zero(t, attempts)
	assert.True(t, c.State().IsConnected)
	assert.Equal(t, 2, d.count())
	clock.none(t)
}

func TestKeepAlive(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	c, d, _ := newTestClient(t, cfg)
	sock := connectClient(t, c, d)

	pings := func() int {
		n := 0
		for _, typ := range sock.types(t) {
			if typ == "ping" {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return pings() >= 2 }, time.Second, time.Millisecond)

	c.Disconnect()
	after := pings()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, pings())
}

func TestClearMessages(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)
	deliver(c, sock, `{"type":"message","message":{"text":"a"}}`)
	require.Len(t, c.State().Messages, 1)

	c.ClearMessages()
	assert.Empty(t, c.State().Messages)
	assert.True(t, c.State().IsConnected)
}

func TestStateSnapshotIsolated(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	sock := readyClient(t, c, d)
	deliver(c, sock, `{"type":"message","message":{"text":"pick","quick_replies":[{"title":"A","payload":"a"}]}}`)

	s := c.State()
	s.Messages[0].Text = "changed"
	s.Messages[0].Metadata.QuickReplies[0].Title = "changed"

	again := c.State()
	assert.Equal(t, "pick", again.Messages[0].Text)
	assert.Equal(t, "A", again.Messages[0].Metadata.QuickReplies[0].Title)
}

func TestHandlersMayCallClient(t *testing.T) {
	var (
		c        *Client
		called   bool
		replyErr error
	)
	h := Handlers{
		OnMessage: func(m Message) {
			called = true
			replyErr = c.SendMessage("re: " + m.Text)
		},
	}
	c, d, _ := newTestClient(t, testConfig(), WithHandlers(h))
	sock := readyClient(t, c, d)

	// Handlers run on the goroutine that delivered the frame.
	deliver(c, sock, `{"type":"message","message":{"text":"ping"}}`)
	require.True(t, called)
	assert.NoError(t, replyErr)
	assert.Len(t, c.State().Messages, 2)
	frames := sock.frames(t)
	assert.Equal(t, "re: ping", frames[len(frames)-1].Message.Text)
}

func TestClose(t *testing.T) {
	c, d, _ := newTestClient(t, testConfig())
	connectClient(t, c, d)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.WaitReady(context.Background()), ErrClosed)

	c.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.False(t, c.State().IsConnecting)
}
