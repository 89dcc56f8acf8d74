package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NeboLoop/webchat-go-sdk/internal/config"
	"github.com/NeboLoop/webchat-go-sdk/internal/logging"
	"github.com/NeboLoop/webchat-go-sdk/session"
)

// commonFlags are shared by every command that talks to a channel.
type commonFlags struct {
	configPath  string
	socketURL   string
	channelUUID string
	sessionID   string
	backend     string
	logLevel    string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&f.socketURL, "socket-url", "", "socket host (overrides config)")
	cmd.Flags().StringVar(&f.channelUUID, "channel", "", "channel UUID (overrides config)")
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "explicit session id (overrides config)")
	cmd.Flags().StringVar(&f.backend, "session-backend", "", "session store: memory, file, redis or sqlite")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (overrides config)")
}

// load reads the config and applies flag overrides.
func (f *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.socketURL != "" {
		cfg.SocketURL = f.socketURL
	}
	if f.channelUUID != "" {
		cfg.ChannelUUID = f.channelUUID
	}
	if f.sessionID != "" {
		cfg.SessionID = f.sessionID
	}
	if f.backend != "" {
		cfg.Session.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Development = cfg.Log.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the configured session store. The closer releases its
// connections.
func openStore(cfg config.SessionConfig) (session.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nopCloser{}, nil
	case config.BackendFile:
		return session.NewFileStore(cfg.Path), nopCloser{}, nil
	case config.BackendRedis:
		s, err := session.NewRedisStoreFromURL(cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendSQLite:
		s, err := session.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, errors.New("unknown session backend " + cfg.Backend)
}
