// Package cache implements the Cache component (C): a TTL-envelope
// key/value store doubling as a pub/sub publisher, per SPEC_FULL.md §4.2.
// It backs both job-status tracking and chunk-payload storage.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// Status is the closed set of job states a CacheEntry can be in, matching
// the wire codes the status endpoint reports (spec.md §4.7).
type Status int

const (
	StatusOK         Status = 0
	StatusFailed     Status = 1
	StatusWaiting    Status = 2
	StatusProcessing Status = 3
	StatusGone       Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Envelope is the version-tagged wrapper every cache entry is stored under.
type Envelope struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

// EncodeMeta builds an ok/failed envelope carrying a JSON metadata payload.
func EncodeMeta(status Status, meta map[string]any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindPublishFailed, "cannot encode cache payload", err)
	}
	return Envelope{Status: status, Payload: raw, TS: now.UnixMilli()}, nil
}

// EncodeReason builds a failed envelope carrying just an error reason.
func EncodeReason(reason string, now time.Time) (Envelope, error) {
	return EncodeMeta(StatusFailed, map[string]any{"reason": reason}, now)
}

// EncodeBytes builds an envelope carrying a raw chunk payload, base64-encoded
// by the standard json.RawMessage string marshalling of []byte.
func EncodeBytes(data []byte, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.KindPublishFailed, "cannot encode chunk payload", err)
	}
	return Envelope{Status: StatusOK, Payload: raw, TS: now.UnixMilli()}, nil
}

// DecodeMeta unmarshals e's payload as a metadata map.
func (e Envelope) DecodeMeta() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "corrupt cache payload", err)
	}
	return m, nil
}

// DecodeBytes unmarshals e's payload as raw chunk bytes.
func (e Envelope) DecodeBytes() ([]byte, error) {
	var b []byte
	if err := json.Unmarshal(e.Payload, &b); err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "corrupt chunk payload", err)
	}
	return b, nil
}

// Reason extracts the "reason" field of a failed envelope's payload, if any.
func (e Envelope) Reason() string {
	meta, err := e.DecodeMeta()
	if err != nil || meta == nil {
		return ""
	}
	if r, ok := meta["reason"].(string); ok {
		return r
	}
	return ""
}

// Subscription is a live handle on a broker topic's messages.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Store is the Cache contract: a TTL key/value store plus pub/sub, shared
// by both the Redis-backed implementation and the in-memory reference one.
type Store interface {
	Get(ctx context.Context, key string) (Envelope, bool, error)
	Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	Close() error
}

const jobKeyPrefix = "job:"

func jobKey(token string) string { return jobKeyPrefix + token }

// GetStatus is the get_status(token) status-aware helper of spec.md §4.2.
func GetStatus(ctx context.Context, s Store, token string) (Status, Envelope, error) {
	env, ok, err := s.Get(ctx, jobKey(token))
	if err != nil {
		return 0, Envelope{}, err
	}
	if !ok {
		return 0, Envelope{}, errs.New(errs.KindNotFound, "no job for token")
	}
	return env.Status, env, nil
}

// PutWaiting is the put_waiting(token) status-aware helper of spec.md §4.2.
func PutWaiting(ctx context.Context, s Store, token string, ttl time.Duration, now time.Time) error {
	return s.Set(ctx, jobKey(token), Envelope{Status: StatusWaiting, TS: now.UnixMilli()}, ttl)
}

// PutProcessing is the put_processing(token) status-aware helper of spec.md §4.2.
func PutProcessing(ctx context.Context, s Store, token string, ttl time.Duration, now time.Time) error {
	return s.Set(ctx, jobKey(token), Envelope{Status: StatusProcessing, TS: now.UnixMilli()}, ttl)
}

// PutOK is the put_ok(token, json_meta) status-aware helper of spec.md §4.2.
func PutOK(ctx context.Context, s Store, token string, meta map[string]any, ttl time.Duration, now time.Time) error {
	env, err := EncodeMeta(StatusOK, meta, now)
	if err != nil {
		return err
	}
	return s.Set(ctx, jobKey(token), env, ttl)
}

// PutFailed is the put_failed(token, reason) status-aware helper of spec.md §4.2.
func PutFailed(ctx context.Context, s Store, token string, reason string, ttl time.Duration, now time.Time) error {
	env, err := EncodeReason(reason, now)
	if err != nil {
		return err
	}
	return s.Set(ctx, jobKey(token), env, ttl)
}

// ChunkKey builds the `{PathToken}-{var}-{chunk_id}` key spec.md §3 assigns
// to chunk-payload CacheEntries.
func ChunkKey(token, variable, chunkID string) string {
	return token + "-" + variable + "-" + chunkID
}

// PutChunk writes a chunk payload entry. Per spec.md §3, chunk entries may
// only exist while the parent job entry is ok; callers are responsible for
// only calling this once that holds.
func PutChunk(ctx context.Context, s Store, token, variable, chunkID string, data []byte, ttl time.Duration, now time.Time) error {
	env, err := EncodeBytes(data, now)
	if err != nil {
		return err
	}
	return s.Set(ctx, ChunkKey(token, variable, chunkID), env, ttl)
}

// GetChunk reads a chunk payload entry, if present.
func GetChunk(ctx context.Context, s Store, token, variable, chunkID string) ([]byte, bool, error) {
	env, ok, err := s.Get(ctx, ChunkKey(token, variable, chunkID))
	if err != nil || !ok {
		return nil, ok, err
	}
	data, err := env.DecodeBytes()
	return data, true, err
}
