package authcore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetValueSize = 32 // 256 bits of entropy per reset token

var (
	errResetNotFound         = errors.New("reset record not found")
	errResetUsed             = errors.New("reset record already used")
	errResetExpired          = errors.New("reset record expired")
	errResetRedisUnavailable = errors.New("reset redis unavailable")
)

// passwordResetRecord is one single-use reset token. Records are never
// deleted on consumption; UsedAt marks them spent and the key TTL covers
// expiry plus the retention window so replays stay observable.
type passwordResetRecord struct {
	UserID    string
	Email     string
	CreatedAt int64
	ExpiresAt int64
	UsedAt    int64
}

func (r *passwordResetRecord) usable(now time.Time) error {
	if r.UsedAt != 0 {
		return errResetUsed
	}
	if now.UnixMilli() >= r.ExpiresAt {
		return errResetExpired
	}
	return nil
}

type passwordResetStore struct {
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
}

func newPasswordResetStore(rdb redis.UniversalClient, prefix string, cfg PasswordResetConfig) *passwordResetStore {
	return &passwordResetStore{
		redis:     rdb,
		prefix:    prefix,
		ttl:       cfg.ResetTTL,
		retention: cfg.RetentionWindow,
	}
}

func (s *passwordResetStore) key(valueHash [32]byte) string {
	return s.prefix + ":pr:" + hex.EncodeToString(valueHash[:])
}

func newResetValue() (string, [32]byte, error) {
	raw := make([]byte, resetValueSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", [32]byte{}, err
	}
	value := base64.RawURLEncoding.EncodeToString(raw)
	return value, sha256.Sum256([]byte(value)), nil
}

// Issue mints a fresh reset token for the user and stores its record keyed
// by value hash. The plaintext value is returned once and never persisted.
func (s *passwordResetStore) Issue(ctx context.Context, userID, email string) (string, error) {
	value, valueHash, err := newResetValue()
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := map[string]interface{}{
		"user_id":    userID,
		"email":      email,
		"created_at": now.UnixMilli(),
		"expires_at": now.Add(s.ttl).UnixMilli(),
		"used_at":    0,
	}

	key := s.key(valueHash)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, record)
		pipe.PExpire(ctx, key, s.ttl+s.retention)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}

	return value, nil
}

// Consume atomically marks the record matching value as used and returns
// it. A spent record fails with errResetUsed without being modified, so a
// replayed token is distinguishable from an unknown one.
func (s *passwordResetStore) Consume(ctx context.Context, value string) (*passwordResetRecord, error) {
	const maxRetries = 4
	key := s.key(sha256.Sum256([]byte(value)))

	for i := 0; i < maxRetries; i++ {
		var matched *passwordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return errResetNotFound
			}

			record, err := parseResetRecord(fields)
			if err != nil {
				return err
			}

			now := time.Now()
			if err := record.usable(now); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "used_at", now.UnixMilli())
				return nil
			})
			if err != nil {
				return err
			}

			record.UsedAt = now.UnixMilli()
			matched = record
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, errResetNotFound),
				errors.Is(err, errResetUsed),
				errors.Is(err, errResetExpired):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}

// Peek reads the record for value without consuming it.
func (s *passwordResetStore) Peek(ctx context.Context, value string) (*passwordResetRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sha256.Sum256([]byte(value)))).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errResetRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, errResetNotFound
	}
	return parseResetRecord(fields)
}

func parseResetRecord(fields map[string]string) (*passwordResetRecord, error) {
	record := &passwordResetRecord{
		UserID: fields["user_id"],
		Email:  fields["email"],
	}

	var err error
	if record.CreatedAt, err = strconv.ParseInt(fields["created_at"], 10, 64); err != nil {
		return nil, errors.New("malformed reset record: created_at")
	}
	if record.ExpiresAt, err = strconv.ParseInt(fields["expires_at"], 10, 64); err != nil {
		return nil, errors.New("malformed reset record: expires_at")
	}
	if record.UsedAt, err = strconv.ParseInt(fields["used_at"], 10, 64); err != nil {
		return nil, errors.New("malformed reset record: used_at")
	}

	return record, nil
}
