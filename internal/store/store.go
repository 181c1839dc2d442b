// Package store keeps the gateway's ephemeral chat session state in Redis.
// A session lives for at most IdleTTL past its last activity and is removed
// by explicit cleanup, key expiry, or the idle sweeper, whichever comes
// first. Nothing here is long-term history: when a session goes, its
// messages go with it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consoleops/realtime/internal/protocol"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "chatsession:"

	// MessagesPrefix is the Redis key prefix for per-session message lists.
	MessagesPrefix = "chatmsgs:"

	// IndexPrefix is the Redis key prefix for the per-target activity
	// indexes (sorted sets scored by last-activity time).
	IndexPrefix = "chatindex:"

	// IdleTTL is how long a session survives without activity. It matches
	// the client-side idle timer so an abandoned session disappears from
	// the admin list around the moment the client would have closed it.
	IdleTTL = 20 * time.Minute
)

// Session is a chat session's coordination state as stored in Redis.
// Messages live separately in a list keyed by MessagesPrefix + ID.
type Session struct {
	ID           string `redis:"id"`
	UserID       string `redis:"user_id"`
	Username     string `redis:"username"`
	FullName     string `redis:"full_name"`
	UserRole     string `redis:"user_role"`
	TargetType   string `redis:"target_type"` // empty until the first message picks an audience
	CreatedAt    int64  `redis:"created_at"`  // unix timestamp
	LastActivity int64  `redis:"last_activity"`
}

// Summary converts the stored session into its wire representation.
func (s *Session) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:           s.ID,
		UserID:       s.UserID,
		Username:     s.Username,
		FullName:     s.FullName,
		UserRole:     s.UserRole,
		TargetType:   s.TargetType,
		CreatedAt:    time.Unix(s.CreatedAt, 0).UTC().Format(time.RFC3339),
		LastActivity: time.Unix(s.LastActivity, 0).UTC().Format(time.RFC3339),
	}
}

// Store manages chat session state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store connected to Redis at redisAddr.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests and by
// callers that share one client across stores.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create stores a new session hash with the idle TTL.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	key := SessionPrefix + sess.ID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":            sess.ID,
		"user_id":       sess.UserID,
		"username":      sess.Username,
		"full_name":     sess.FullName,
		"user_role":     sess.UserRole,
		"target_type":   sess.TargetType,
		"created_at":    sess.CreatedAt,
		"last_activity": sess.LastActivity,
	})
	pipe.Expire(ctx, key, IdleTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// AppendMessage appends a message to the session's list, bumps the
// last-activity timestamp, refreshes both keys' TTL, and (re)indexes the
// session under targetType. When targetType is empty the session's current
// audience is kept.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg protocol.ChatMessage, targetType string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("store: session %s not found", sessionID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}

	now := time.Now().Unix()
	sessionKey := SessionPrefix + sessionID
	messagesKey := MessagesPrefix + sessionID

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, messagesKey, data)
	pipe.HSet(ctx, sessionKey, "last_activity", now)
	if targetType != "" && targetType != sess.TargetType {
		pipe.HSet(ctx, sessionKey, "target_type", targetType)
		if sess.TargetType != "" {
			pipe.ZRem(ctx, IndexPrefix+sess.TargetType, sessionID)
		}
	}
	indexTarget := targetType
	if indexTarget == "" {
		indexTarget = sess.TargetType
	}
	if indexTarget != "" {
		pipe.ZAdd(ctx, IndexPrefix+indexTarget, redis.Z{Score: float64(now), Member: sessionID})
	}
	pipe.Expire(ctx, sessionKey, IdleTTL)
	pipe.Expire(ctx, messagesKey, IdleTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Messages returns the session's messages in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]protocol.ChatMessage, error) {
	raw, err := s.client.LRange(ctx, MessagesPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]protocol.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg protocol.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("store: unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListByTarget returns sessions addressed to targetType that were active
// within the idle window, most recent first. Index members whose hash has
// already expired are pruned as a side effect.
func (s *Store) ListByTarget(ctx context.Context, targetType string) ([]*Session, error) {
	indexKey := IndexPrefix + targetType
	cutoff := time.Now().Add(-IdleTTL).Unix()

	ids, err := s.client.ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.ZRem(ctx, indexKey, id)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes a session, its messages, and its index entries.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+sessionID, MessagesPrefix+sessionID)
	if sess != nil && sess.TargetType != "" {
		pipe.ZRem(ctx, IndexPrefix+sess.TargetType, sessionID)
	} else {
		// Audience unknown; clear both indexes.
		pipe.ZRem(ctx, IndexPrefix+protocol.TargetAdmin, sessionID)
		pipe.ZRem(ctx, IndexPrefix+protocol.TargetModerator, sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// SweepIdle removes sessions whose last activity predates the idle window.
// Key TTLs already reclaim the data; the sweep keeps the indexes honest and
// returns how many sessions it removed.
func (s *Store) SweepIdle(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-IdleTTL).Unix(), 10)
	removed := 0

	for _, target := range []string{protocol.TargetAdmin, protocol.TargetModerator} {
		indexKey := IndexPrefix + target
		ids, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + cutoff,
		}).Result()
		if err != nil {
			return removed, err
		}

		for _, id := range ids {
			if err := s.Delete(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// CountActive returns the number of indexed sessions across both audiences.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	var total int64
	for _, target := range []string{protocol.TargetAdmin, protocol.TargetModerator} {
		n, err := s.client.ZCard(ctx, IndexPrefix+target).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
