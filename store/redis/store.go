// Package redis implements conductor's ChatStore, MessageStore, CommitStore,
// and SnapshotStore against Redis, using the key layout SPEC_FULL §6 names:
// chat:{id}, chat:{id}:msgs, chat:{id}:commits, commit:{hash},
// snap:{entity_type}:{entity_id}:{hash}.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/arjunvale/conductor"
)

// chatIndexKey is a sorted set (score = CreatedAt) backing ListChats'
// most-recent-first ordering without a full SCAN on every call.
const chatIndexKey = "chats:index"

// Store bundles all four persistence interfaces behind one Redis
// connection, grounded on the teacher's key-value store contract (§4.5,
// §6) implemented with github.com/redis/go-redis/v9 per the pack's
// idiomatic Redis client (SPEC_FULL §11).
type Store struct {
	rdb *goredis.Client
}

// Config connects a Store to a Redis instance.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and returns a Store. The connection is lazy in go-redis;
// callers that want an early failure should call Ping.
func New(cfg Config) *Store {
	return &Store{rdb: goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewFromClient wraps an already-constructed *goredis.Client, used by
// tests to point a Store at a miniredis instance.
func NewFromClient(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies connectivity, used at startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func chatKey(id string) string    { return "chat:" + id }
func msgsKey(id string) string    { return "chat:" + id + ":msgs" }
func commitsKey(id string) string { return "chat:" + id + ":commits" }
func commitKey(hash string) string {
	return "commit:" + hash
}
func snapKey(entityType, entityID, hash string) string {
	return fmt.Sprintf("snap:%s:%s:%s", entityType, entityID, hash)
}
func snapLatestKey(entityType, entityID string) string {
	return fmt.Sprintf("snap:%s:%s:latest", entityType, entityID)
}

// --- ChatStore ---

func (s *Store) CreateChat(ctx context.Context, chat conductor.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, chatKey(chat.ID), data, 0)
	pipe.ZAdd(ctx, chatIndexKey, goredis.Z{Score: float64(chat.CreatedAt), Member: chat.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetChat(ctx context.Context, id string) (conductor.Chat, error) {
	data, err := s.rdb.Get(ctx, chatKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return conductor.Chat{}, &conductor.ValidationError{Message: "unknown chat id: " + id}
	}
	if err != nil {
		return conductor.Chat{}, err
	}
	var chat conductor.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return conductor.Chat{}, err
	}
	return chat, nil
}

func (s *Store) ListChats(ctx context.Context, limit, offset int) ([]conductor.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, chatIndexKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	chats := make([]conductor.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := s.GetChat(ctx, id)
		if err != nil {
			continue // index and blob can drift briefly around DeleteChat
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (s *Store) UpdateChat(ctx context.Context, chat conductor.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, chatKey(chat.ID), data, 0).Err()
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, chatKey(id), msgsKey(id), commitsKey(id))
	pipe.ZRem(ctx, chatIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, msg conductor.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, msgsKey(msg.ChatID), data).Err()
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]conductor.Message, error) {
	raw, err := s.rdb.LRange(ctx, msgsKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]conductor.Message, 0, len(raw))
	for _, r := range raw {
		var m conductor.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) DeleteMessages(ctx context.Context, chatID string) error {
	return s.rdb.Del(ctx, msgsKey(chatID)).Err()
}

// --- CommitStore ---

func (s *Store) AppendCommit(ctx context.Context, commit conductor.ConfigCommit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, commitKey(commit.Hash), data, 0)
	pipe.RPush(ctx, commitsKey(commit.ChatID), commit.Hash)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetCommit(ctx context.Context, hash string) (conductor.ConfigCommit, error) {
	data, err := s.rdb.Get(ctx, commitKey(hash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return conductor.ConfigCommit{}, &conductor.ValidationError{Message: "unknown commit hash: " + hash}
	}
	if err != nil {
		return conductor.ConfigCommit{}, err
	}
	var commit conductor.ConfigCommit
	if err := json.Unmarshal(data, &commit); err != nil {
		return conductor.ConfigCommit{}, err
	}
	return commit, nil
}

func (s *Store) ListCommits(ctx context.Context, chatID string) ([]string, error) {
	return s.rdb.LRange(ctx, commitsKey(chatID), 0, -1).Result()
}

func (s *Store) CommitRange(ctx context.Context, chatID, fromHash, toHash string) ([]conductor.ConfigCommit, error) {
	hashes, err := s.ListCommits(ctx, chatID)
	if err != nil {
		return nil, err
	}
	fromIdx, toIdx := -1, -1
	for i, h := range hashes {
		if h == fromHash {
			fromIdx = i
		}
		if h == toHash {
			toIdx = i
		}
	}
	if fromIdx == -1 || toIdx == -1 || fromIdx > toIdx {
		return nil, &conductor.ValidationError{Message: "commit range not found or out of order"}
	}
	out := make([]conductor.ConfigCommit, 0, toIdx-fromIdx+1)
	for _, h := range hashes[fromIdx : toIdx+1] {
		c, err := s.GetCommit(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- SnapshotStore ---

// snapshotTTL is the 7-day retention window required by §4.5/§8 invariant #8.
const snapshotTTL = conductor.SnapshotTTLDays * 24 * time.Hour

func (s *Store) PutSnapshot(ctx context.Context, snap conductor.EntitySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, snapKey(snap.EntityType, snap.EntityID, snap.CommitHash), data, snapshotTTL)
	pipe.Set(ctx, snapLatestKey(snap.EntityType, snap.EntityID), data, snapshotTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, entityType, entityID, commitHash string) (conductor.EntitySnapshot, error) {
	data, err := s.rdb.Get(ctx, snapKey(entityType, entityID, commitHash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return conductor.EntitySnapshot{}, &conductor.ValidationError{Message: "snapshot not found or expired"}
	}
	if err != nil {
		return conductor.EntitySnapshot{}, err
	}
	var snap conductor.EntitySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return conductor.EntitySnapshot{}, err
	}
	return snap, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, entityType, entityID string) (conductor.EntitySnapshot, bool, error) {
	data, err := s.rdb.Get(ctx, snapLatestKey(entityType, entityID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return conductor.EntitySnapshot{}, false, nil
	}
	if err != nil {
		return conductor.EntitySnapshot{}, false, err
	}
	var snap conductor.EntitySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return conductor.EntitySnapshot{}, false, err
	}
	return snap, true, nil
}

var (
	_ conductor.ChatStore     = (*Store)(nil)
	_ conductor.MessageStore  = (*Store)(nil)
	_ conductor.CommitStore   = (*Store)(nil)
	_ conductor.SnapshotStore = (*Store)(nil)
)
