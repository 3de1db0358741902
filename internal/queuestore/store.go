// Package queuestore persists serialized merge queue snapshots in redis.
package queuestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

const loggerName = "queue_store"

// ErrNotFound is returned by Get when no queue snapshot is stored for the
// branch.
var ErrNotFound = errors.New("no queue stored for branch")

// BranchKey identifies the queue of a single base branch.
type BranchKey struct {
	Owner      string
	Repository string
	Branch     string
}

func (b BranchKey) String() string {
	return fmt.Sprintf("%s/%s@%s", b.Owner, b.Repository, b.Branch)
}

// Store reads and writes queue snapshots.
// Snapshots are opaque byte payloads, serialization is up to the caller.
// Every mutation publishes a best-effort change notification on a pub/sub
// channel, failures to publish are logged and ignored.
type Store struct {
	clt       redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

func New(clt redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "merganser"
	}

	return &Store{
		clt:       clt,
		keyPrefix: keyPrefix,
		logger:    zap.L().Named(loggerName),
	}
}

func (s *Store) key(branch BranchKey) string {
	return fmt.Sprintf("%s:queues:%s:%s:%s", s.keyPrefix, branch.Owner, branch.Repository, branch.Branch)
}

func (s *Store) changeChannel() string {
	return s.keyPrefix + ":queues:changes"
}

// Put stores the queue snapshot for the branch.
// An empty payload is equivalent to Clear, the key is deleted.
func (s *Store) Put(ctx context.Context, branch BranchKey, payload []byte) error {
	if len(payload) == 0 {
		return s.Clear(ctx, branch)
	}

	if err := s.clt.Set(ctx, s.key(branch), payload, 0).Err(); err != nil {
		return fmt.Errorf("storing queue snapshot failed: %w", err)
	}

	s.notifyChange(ctx, branch)

	return nil
}

// Get returns the stored queue snapshot of the branch.
func (s *Store) Get(ctx context.Context, branch BranchKey) ([]byte, error) {
	payload, err := s.clt.Get(ctx, s.key(branch)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	return payload, nil
}

// Clear deletes the stored queue snapshot of the branch.
func (s *Store) Clear(ctx context.Context, branch BranchKey) error {
	if err := s.clt.Del(ctx, s.key(branch)).Err(); err != nil {
		return fmt.Errorf("deleting queue snapshot failed: %w", err)
	}

	s.notifyChange(ctx, branch)

	return nil
}

// Branches returns the keys of all branches that have a stored snapshot.
func (s *Store) Branches(ctx context.Context) ([]BranchKey, error) {
	var result []BranchKey

	pattern := s.keyPrefix + ":queues:*:*:*"

	var cursor uint64
	for {
		keys, next, err := s.clt.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			branch, err := s.parseKey(key)
			if err != nil {
				s.logger.Warn(
					"skipping redis key with unexpected layout",
					logfields.Event("queue_store_unparseable_key"),
					zap.String("redis_key", key),
					zap.Error(err),
				)
				continue
			}

			result = append(result, branch)
		}

		if next == 0 || next == cursor {
			return result, nil
		}

		cursor = next
	}
}

// Subscribe returns a subscription for queue change notifications.
// Messages carry the BranchKey String() of the changed branch.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.clt.Subscribe(ctx, s.changeChannel())
}

func (s *Store) notifyChange(ctx context.Context, branch BranchKey) {
	err := s.clt.Publish(ctx, s.changeChannel(), branch.String()).Err()
	if err != nil {
		s.logger.Debug(
			"publishing queue change notification failed",
			logfields.Event("queue_store_notify_failed"),
			zap.Error(err),
		)
	}
}

func (s *Store) parseKey(key string) (BranchKey, error) {
	rest := strings.TrimPrefix(key, s.keyPrefix+":queues:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return BranchKey{}, fmt.Errorf("expected <prefix>:queues:<owner>:<repository>:<branch>, got %q", key)
	}

	return BranchKey{
		Owner:      parts[0],
		Repository: parts[1],
		Branch:     parts[2],
	}, nil
}
