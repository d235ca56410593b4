package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no credential matches the presented value or ID.
var ErrNotFound = errors.New("refresh credential not found")

// ErrExpired is returned when the matching credential is unrevoked but past
// its fixed TTL.
var ErrExpired = errors.New("refresh credential expired")

// ErrReuse is returned when the presented credential was already superseded
// by rotation. This is the theft signal; callers must revoke the whole chain.
var ErrReuse = errors.New("refresh credential reuse detected")

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const valueSize = 32 // 256 bits of entropy per opaque token value

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusRotated  int64 = 3
)

const rotateScript = `
local record_key = KEYS[1]
local new_record_key = KEYS[2]
local new_value_key = KEYS[3]

local now = tonumber(ARGV[1])
local old_id = ARGV[2]
local provided_hash = ARGV[3]
local new_id = ARGV[4]
local new_hash = ARGV[5]
local issued_at = ARGV[6]
local expires_at = ARGV[7]
local retention_ms = tonumber(ARGV[8])
local user_prefix = ARGV[9]
local ip = ARGV[10]
local ua = ARGV[11]

if redis.call("EXISTS", record_key) == 0 then
  return {0, ""}
end

local stored_hash = redis.call("HGET", record_key, "token_hash") or ""
if stored_hash ~= provided_hash then
  return {0, ""}
end

local revoked_at = tonumber(redis.call("HGET", record_key, "revoked_at") or "0")
if revoked_at ~= 0 then
  local reason = redis.call("HGET", record_key, "reason") or ""
  return {2, reason}
end

if tonumber(redis.call("HGET", record_key, "expires_at") or "0") <= now then
  return {1, ""}
end

local user_id = redis.call("HGET", record_key, "user_id") or ""

redis.call("HSET", record_key,
  "revoked_at", now,
  "reason", "rotated",
  "replaced_by", new_id)

redis.call("HSET", new_record_key,
  "user_id", user_id,
  "token_hash", new_hash,
  "issued_at", issued_at,
  "expires_at", expires_at,
  "revoked_at", "0",
  "reason", "",
  "replaced_by", "",
  "ip", ip,
  "ua", ua)
redis.call("PEXPIRE", new_record_key, retention_ms)
redis.call("SET", new_value_key, new_id, "PX", retention_ms)

local user_key = user_prefix .. user_id
redis.call("SREM", user_key, old_id)
redis.call("SADD", user_key, new_id)

return {3, user_id}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeScript = `
local record_key = KEYS[1]
local now = ARGV[1]
local reason = ARGV[2]
local user_prefix = ARGV[3]
local id = ARGV[4]

if redis.call("EXISTS", record_key) == 0 then
  return {0, ""}
end

local replaced_by = redis.call("HGET", record_key, "replaced_by") or ""
local revoked_at = tonumber(redis.call("HGET", record_key, "revoked_at") or "0")
if revoked_at ~= 0 then
  return {2, replaced_by}
end

redis.call("HSET", record_key, "revoked_at", now, "reason", reason)
local user_id = redis.call("HGET", record_key, "user_id") or ""
if user_id ~= "" then
  redis.call("SREM", user_prefix .. user_id, id)
end

return {1, replaced_by}
`

var revokeLua = redis.NewScript(revokeScript)

// Rotation is the result of a successful ValidateAndRotate: the freshly
// issued credential and its opaque value. The superseded credential is left
// in place, revoked with [ReasonRotated] and linked via ReplacedByID.
type Rotation struct {
	New   *Credential
	Value string
}

// Store is the Redis-backed refresh-credential store. It is the single owner
// of credential rows: rotation, revocation, and chain walks all go through
// it, each as one atomic Redis unit.
//
// Records are stored as hashes with a value-hash lookup index and a per-user
// set of active IDs. Revoked records are retained under their original key
// TTL (expiry plus the retention window) for audit and replay detection.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
}

// NewStore creates a credential [Store]. ttl is the fixed lifetime assigned
// at issuance; retention is how long revoked and expired records stay
// readable before Redis garbage-collects them.
func NewStore(rdb redis.UniversalClient, prefix string, ttl, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "rc"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Store{redis: rdb, prefix: prefix, ttl: ttl, retention: retention}
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":c:" + id
}

func (s *Store) valueKey(hash [32]byte) string {
	return s.prefix + ":v:" + hex.EncodeToString(hash[:])
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

func (s *Store) userPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) retentionFor(expiresAt int64, now time.Time) time.Duration {
	return time.Unix(expiresAt, 0).Sub(now) + s.retention
}

// HashValue derives the stored lookup hash for an opaque token value.
func HashValue(value string) [32]byte {
	return sha256.Sum256([]byte(value))
}

func newValue() (string, [32]byte, error) {
	var raw [valueSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", [32]byte{}, err
	}
	value := base64.RawURLEncoding.EncodeToString(raw[:])
	return value, HashValue(value), nil
}

// Issue persists a new active credential for userID with the fixed TTL and
// returns the record plus the opaque value handed to the client. The value
// itself is never stored.
//
//	Performance: 1 Redis MULTI (record + index + user set).
func (s *Store) Issue(ctx context.Context, userID, ip, userAgent string) (*Credential, string, error) {
	value, hash, err := newValue()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	cred := &Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		IP:        ip,
		UserAgent: userAgent,
	}

	keyTTL := s.retentionFor(cred.ExpiresAt, now)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(cred.ID), recordFields(cred))
		pipe.PExpire(ctx, s.recordKey(cred.ID), keyTTL)
		pipe.Set(ctx, s.valueKey(hash), cred.ID, keyTTL)
		pipe.SAdd(ctx, s.userKey(userID), cred.ID)
		pipe.Expire(ctx, s.userKey(userID), keyTTL)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return cred, value, nil
}

// Get fetches a credential record by ID regardless of its state.
func (s *Store) Get(ctx context.Context, id string) (*Credential, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRecord(id, fields)
}

// FindByValue resolves an opaque token value to its record regardless of
// revocation or expiry state.
func (s *Store) FindByValue(ctx context.Context, value string) (*Credential, error) {
	id, err := s.redis.Get(ctx, s.valueKey(HashValue(value))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.Get(ctx, id)
}

// FindActiveByValue resolves an opaque token value to its record only while
// the credential is active; any revoked or expired match reports ErrNotFound.
func (s *Store) FindActiveByValue(ctx context.Context, value string) (*Credential, error) {
	cred, err := s.FindByValue(ctx, value)
	if err != nil {
		return nil, err
	}
	if !cred.IsActive(time.Now()) {
		return nil, ErrNotFound
	}
	return cred, nil
}

// ValidateAndRotate validates the presented value and, when eligible, rotates
// it in a single Lua compare-and-swap: the old record is revoked with
// [ReasonRotated] and linked to the successor, the successor is persisted,
// and both indexes are updated, all atomically. Under two concurrent calls
// with the same value the first committer wins; the loser observes the
// record as already rotated and receives [ErrReuse].
//
// Outcomes: (rotation, nil) when eligible; ErrNotFound for unknown or
// foreign values; ErrExpired past the fixed TTL; ErrReuse when the value was
// already superseded. A value revoked for any terminal reason (logout,
// reuse, password reset) reports ErrNotFound, not ErrReuse.
//
//	Performance: 1 GET (value index) + 1 Lua EVALSHA.
//	Security: CAS prevents a half-rotated chain under concurrency.
func (s *Store) ValidateAndRotate(ctx context.Context, value, ip, userAgent string) (*Rotation, error) {
	providedHash := HashValue(value)

	oldID, err := s.redis.Get(ctx, s.valueKey(providedHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	newValueStr, newHash, err := newValue()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := &Credential{
		ID:        uuid.NewString(),
		TokenHash: newHash,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		IP:        ip,
		UserAgent: userAgent,
	}

	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(oldID), s.recordKey(next.ID), s.valueKey(newHash)},
		now.Unix(),
		oldID,
		hex.EncodeToString(providedHash[:]),
		next.ID,
		hex.EncodeToString(newHash[:]),
		next.IssuedAt,
		next.ExpiresAt,
		s.retentionFor(next.ExpiresAt, now).Milliseconds(),
		s.userPrefix(),
		ip,
		userAgent,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	code, detail, err := parseScriptReply(result)
	if err != nil {
		return nil, err
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusRevoked:
		if RevokeReason(detail) == ReasonRotated {
			return nil, ErrReuse
		}
		return nil, ErrNotFound
	case rotateStatusRotated:
		next.UserID = detail
		return &Rotation{New: next, Value: newValueStr}, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status %d", ErrRedisUnavailable, code)
	}
}

// Revoke marks one credential revoked with the given reason. Revoking a
// credential that is already revoked is a no-op, not an error.
func (s *Store) Revoke(ctx context.Context, id string, reason RevokeReason) error {
	_, _, err := s.revokeOne(ctx, id, reason, time.Now())
	return err
}

func (s *Store) revokeOne(ctx context.Context, id string, reason RevokeReason, now time.Time) (revoked bool, replacedBy string, err error) {
	result, runErr := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(id)},
		now.Unix(),
		string(reason),
		s.userPrefix(),
		id,
	).Result()
	if runErr != nil {
		return false, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, runErr)
	}

	code, detail, err := parseScriptReply(result)
	if err != nil {
		return false, "", err
	}
	if code == 0 {
		return false, "", ErrNotFound
	}
	return code == 1, detail, nil
}

// RevokeChainFrom walks ReplacedByID forward from cred and revokes every
// unrevoked credential it visits. Used for theft response and must therefore
// reach the newest credential in the chain even when intermediate nodes are
// already revoked.
func (s *Store) RevokeChainFrom(ctx context.Context, cred *Credential, reason RevokeReason) error {
	if cred == nil {
		return nil
	}

	seen := map[string]struct{}{}
	id := cred.ID
	for id != "" {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("credential chain cycle at %s", id)
		}
		seen[id] = struct{}{}

		_, next, err := s.revokeOne(ctx, id, reason, time.Now())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Tail records past the retention window may be gone.
				return nil
			}
			return err
		}
		id = next
	}
	return nil
}

// Chain returns the rotation chain starting at fromID in issuance order,
// following ReplacedByID until the newest credential.
func (s *Store) Chain(ctx context.Context, fromID string) ([]*Credential, error) {
	var chain []*Credential
	seen := map[string]struct{}{}

	id := fromID
	for id != "" {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("credential chain cycle at %s", id)
		}
		seen[id] = struct{}{}

		cred, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, cred)
		id = cred.ReplacedByID
	}
	return chain, nil
}

// ActiveIDsForUser returns the tracked active credential IDs for a user.
func (s *Store) ActiveIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// RevokeAllForUser revokes every tracked active credential for a user.
//
// ATOMICITY NOTE: this is NOT one atomic unit. It reads the user's active
// set, then revokes each member with the per-record CAS script. A credential
// issued between the read and the revocations is not captured; it expires
// naturally or is caught by the next call. Per-record revocation itself is
// atomic, so a half-revoked record cannot exist.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string, reason RevokeReason) error {
	ids, err := s.ActiveIDsForUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, _, err := s.revokeOne(ctx, id, reason, time.Now()); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func recordFields(c *Credential) map[string]interface{} {
	return map[string]interface{}{
		"user_id":     c.UserID,
		"token_hash":  hex.EncodeToString(c.TokenHash[:]),
		"issued_at":   strconv.FormatInt(c.IssuedAt, 10),
		"expires_at":  strconv.FormatInt(c.ExpiresAt, 10),
		"revoked_at":  strconv.FormatInt(c.RevokedAt, 10),
		"reason":      string(c.RevokeReason),
		"replaced_by": c.ReplacedByID,
		"ip":          c.IP,
		"ua":          c.UserAgent,
	}
}

func parseRecord(id string, fields map[string]string) (*Credential, error) {
	cred := &Credential{
		ID:           id,
		UserID:       fields["user_id"],
		RevokeReason: RevokeReason(fields["reason"]),
		ReplacedByID: fields["replaced_by"],
		IP:           fields["ip"],
		UserAgent:    fields["ua"],
	}

	hashHex := fields["token_hash"]
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != len(cred.TokenHash) {
		return nil, fmt.Errorf("credential %s: invalid token hash", id)
	}
	copy(cred.TokenHash[:], raw)

	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"issued_at", &cred.IssuedAt},
		{"expires_at", &cred.ExpiresAt},
		{"revoked_at", &cred.RevokedAt},
	} {
		v := fields[f.name]
		if v == "" {
			v = "0"
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("credential %s: invalid %s field", id, f.name)
		}
		*f.dst = n
	}

	return cred, nil
}

func parseScriptReply(result interface{}) (int64, string, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, "", fmt.Errorf("%w: invalid script response", ErrRedisUnavailable)
	}

	code, ok := parts[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("%w: invalid script status", ErrRedisUnavailable)
	}

	var detail string
	if len(parts) > 1 {
		switch v := parts[1].(type) {
		case string:
			detail = v
		case []byte:
			detail = string(v)
		}
	}
	return code, detail, nil
}
