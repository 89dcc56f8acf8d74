package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	webchat "github.com/NeboLoop/webchat-go-sdk"
	"github.com/NeboLoop/webchat-go-sdk/internal/config"
)

const chatHelp = `Type a message and press enter. Commands:
  /reply N   answer with quick reply N of the last bot message
  /field K V set contact field K to V
  /clear     clear the local conversation
  /quit      disconnect and exit
`

func newChatCmd() *cobra.Command {
	var (
		flags        commonFlags
		readyTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a channel interactively",
		Long:  "Connects to the channel, prints bot messages as they arrive and sends each input line as a user message.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cfg, readyTimeout)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second, "how long to wait for the session to become ready")
	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, cfg *config.Config, readyTimeout time.Duration) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closer, err := openStore(cfg.Session)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer srv.Close()
	}

	p := &printer{out: out}
	client, err := webchat.New(clientConfig(cfg),
		webchat.WithLogger(logger),
		webchat.WithSessionStore(store),
		webchat.WithRegisterer(reg),
		webchat.WithHandlers(webchat.Handlers{
			OnMessage:    p.message,
			OnConnect:    func() { p.status("connected") },
			OnDisconnect: func() { p.status("disconnected") },
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	client.Connect()
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("waiting for session: %w", err)
	}
	p.status("session " + client.State().SessionID + " ready")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			client.Disconnect()
			return nil
		case line, ok := <-lines:
			if !ok {
				client.Disconnect()
				return nil
			}
			quit, err := handleInput(client, p, strings.TrimSpace(line))
			if err != nil {
				p.status(err.Error())
			}
			if quit {
				client.Disconnect()
				return nil
			}
		}
	}
}

// handleInput runs one line of user input. quit is true for /quit.
func handleInput(client *webchat.Client, p *printer, line string) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/clear":
		client.ClearMessages()
		return false, nil
	case strings.HasPrefix(line, "/reply "):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/reply ")))
		if err != nil {
			return false, errors.New("usage: /reply N")
		}
		qr, ok := lastQuickReply(client.State().Messages, n)
		if !ok {
			return false, fmt.Errorf("no quick reply %d", n)
		}
		return false, client.SendQuickReply(qr.Payload, qr.Title)
	case strings.HasPrefix(line, "/field "):
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/field ")), " ")
		if !ok || key == "" {
			return false, errors.New("usage: /field KEY VALUE")
		}
		return false, client.SetCustomField(key, value)
	case strings.HasPrefix(line, "/"):
		p.status(strings.TrimSpace(chatHelp))
		return false, nil
	}
	return false, client.SendMessage(line)
}

// lastQuickReply returns quick reply n (1 based) of the latest bot message
// that offers quick replies.
func lastQuickReply(msgs []webchat.Message, n int) (webchat.QuickReply, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Sender != webchat.SenderBot || m.Metadata == nil || len(m.Metadata.QuickReplies) == 0 {
			continue
		}
		if n < 1 || n > len(m.Metadata.QuickReplies) {
			return webchat.QuickReply{}, false
		}
		return m.Metadata.QuickReplies[n-1], true
	}
	return webchat.QuickReply{}, false
}

func clientConfig(cfg *config.Config) webchat.Config {
	fields := make(map[string]any, len(cfg.CustomFields))
	for k, v := range cfg.CustomFields {
		fields[k] = v
	}
	return webchat.Config{
		SocketURL:    cfg.SocketURL,
		Host:         cfg.Host,
		ChannelUUID:  cfg.ChannelUUID,
		InitPayload:  cfg.InitPayload,
		SessionToken: cfg.SessionToken,
		SessionID:    cfg.SessionID,
		CustomFields: fields,
		PingInterval: cfg.PingInterval,
		DialTimeout:  cfg.DialTimeout,
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// printer writes chat output. Handlers run on client goroutines, so writes
// are serialized.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) status(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* %s\n", s)
}

func (p *printer) message(m webchat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, formatMessage(m))
}

// formatMessage renders a bot message as plain text lines.
func formatMessage(m webchat.Message) string {
	var b strings.Builder
	if m.Text != "" {
		fmt.Fprintf(&b, "bot: %s\n", m.Text)
	}
	md := m.Metadata
	if md == nil {
		return b.String()
	}
	switch m.Type {
	case webchat.TypeImage:
		fmt.Fprintf(&b, "bot: [image] %s\n", md.ImageURL)
	case webchat.TypeVideo:
		fmt.Fprintf(&b, "bot: [video] %s\n", md.VideoURL)
	case webchat.TypeAudio:
		fmt.Fprintf(&b, "bot: [audio] %s\n", md.AudioURL)
	case webchat.TypeFile:
		fmt.Fprintf(&b, "bot: [file] %s\n", md.FileURL)
	case webchat.TypeCarousel:
		for i, p := range md.Products {
			fmt.Fprintf(&b, "  %d. %s  %s", i+1, p.Name, p.Price)
			if p.OriginalPrice != "" {
				fmt.Fprintf(&b, " (was %s)", p.OriginalPrice)
			}
			if p.ProductLink != "" {
				fmt.Fprintf(&b, "  %s", p.ProductLink)
			}
			b.WriteByte('\n')
		}
	}
	for i, qr := range md.QuickReplies {
		fmt.Fprintf(&b, "  [%d] %s\n", i+1, qr.Title)
	}
	return b.String()
}
