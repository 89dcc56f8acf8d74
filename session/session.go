// Package session derives the stable per-channel session identifier the
// client registers with. The identifier is created once per channel and
// reused across reconnects and restarts; stores never overwrite it.
package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyPrefix namespaces session entries in shared stores.
const KeyPrefix = "weni_session_"

// ErrUnavailable is returned by stores that cannot be reached.
var ErrUnavailable = errors.New("session: store unavailable")

// Store is a durable key-value store for session ids.
type Store interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetIfAbsent stores value unless key already holds one. It returns the
	// value held after the call.
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Key returns the store key for a channel.
func Key(channelUUID string) string {
	return KeyPrefix + channelUUID
}

// GetID returns the session id for channelUUID.
//
// An explicit id always wins and is never persisted. Otherwise the stored
// id is returned, or a new random one is created and stored. Store errors
// are treated as "absent": a fresh id is returned for this run without
// being persisted.
func GetID(ctx context.Context, store Store, channelUUID, explicitID string, logger *zap.Logger) string {
	if explicitID != "" {
		return explicitID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key := Key(channelUUID)

	if store != nil {
		id, ok, err := store.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("session store read failed", zap.String("key", key), zap.Error(err))
			return uuid.NewString()
		case ok && id != "":
			return id
		}
	}

	id := uuid.NewString()
	if store == nil {
		return id
	}
	stored, err := store.SetIfAbsent(ctx, key, id)
	if err != nil {
		logger.Warn("session store write failed", zap.String("key", key), zap.Error(err))
		return id
	}
	if stored == "" {
		logger.Warn("session store holds an empty id", zap.String("key", key))
		return id
	}
	return stored
}
