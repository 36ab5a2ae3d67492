package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/agentdesk/internal/instance"
)

// Store backs the per-instance status and QR caches. Entries are advisory:
// callers fall back to the database and the gateway on any miss.
type Store struct {
	Rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{Rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Rdb.Close()
}

func statusKey(id uint64) string { return fmt.Sprintf("wa:instance:%d:status", id) }
func qrKey(id uint64) string     { return fmt.Sprintf("wa:instance:%d:qr", id) }

func (s *Store) GetStatus(ctx context.Context, id uint64) (instance.Status, bool, error) {
	v, err := s.Rdb.Get(ctx, statusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return instance.Status(v), true, nil
}

func (s *Store) SetStatus(ctx context.Context, id uint64, st instance.Status, ttl time.Duration) error {
	return s.Rdb.Set(ctx, statusKey(id), string(st), ttl).Err()
}

func (s *Store) GetQR(ctx context.Context, id uint64) (*instance.QR, bool, error) {
	b, err := s.Rdb.Get(ctx, qrKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var qr instance.QR
	if err := json.Unmarshal(b, &qr); err != nil {
		// a corrupt entry is just a miss
		_ = s.Rdb.Del(ctx, qrKey(id)).Err()
		return nil, false, nil
	}
	return &qr, true, nil
}

func (s *Store) SetQR(ctx context.Context, id uint64, qr instance.QR, ttl time.Duration) error {
	b, err := json.Marshal(qr)
	if err != nil {
		return err
	}
	return s.Rdb.Set(ctx, qrKey(id), b, ttl).Err()
}

func (s *Store) Invalidate(ctx context.Context, id uint64) error {
	return s.Rdb.Del(ctx, statusKey(id), qrKey(id)).Err()
}

var _ instance.Cache = (*Store)(nil)
