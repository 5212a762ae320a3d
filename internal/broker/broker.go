// Package broker implements the Broker Channel (B): a one-way pub/sub topic
// on top of the Cache, gateway publishes job descriptors, workers subscribe.
// Grounded on perkeep's blobhub.go listener-registration pattern, adapted
// from an in-process hub to Cache-backed pub/sub per SPEC_FULL.md §4.3.
package broker

import (
	"context"
	"encoding/json"

	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// Topic is the single logical broker topic named in spec.md §4.3.
const Topic = "data-portal"

// URIJob asks a worker to materialise chunk-store metadata for one source.
type URIJob struct {
	Path string `json:"path"`
	UUID string `json:"uuid"`
}

// ChunkJob asks a worker to produce one chunk's bytes.
type ChunkJob struct {
	UUID     string `json:"uuid"`
	Variable string `json:"variable"`
	Chunk    string `json:"chunk"`
}

// Message is the sum of the two broker message shapes spec.md §4.3 allows.
// Exactly one of URI or Chunk is non-nil for a well-formed message.
type Message struct {
	URI   *URIJob   `json:"uri,omitempty"`
	Chunk *ChunkJob `json:"chunk,omitempty"`
}

// Broker publishes and decodes messages on the data-portal topic over a
// Cache Store.
type Broker struct {
	store cache.Store
}

func New(store cache.Store) *Broker {
	return &Broker{store: store}
}

// PublishURI publishes a uri job for path under token.
func (b *Broker) PublishURI(ctx context.Context, path, token string) error {
	return b.publish(ctx, Message{URI: &URIJob{Path: path, UUID: token}})
}

// PublishChunk publishes a chunk job for the given token/variable/chunk id.
func (b *Broker) PublishChunk(ctx context.Context, token, variable, chunkID string) error {
	return b.publish(ctx, Message{Chunk: &ChunkJob{UUID: token, Variable: variable, Chunk: chunkID}})
}

func (b *Broker) publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.KindPublishFailed, "cannot encode broker message", err)
	}
	if err := b.store.Publish(ctx, Topic, raw); err != nil {
		return err
	}
	return nil
}

// Subscribe opens a raw subscription on the data-portal topic; callers
// decode each payload with Decode. The broker offers no acknowledgements —
// duplicate delivery is expected and must be handled idempotently by
// consumers (spec.md §4.3, §5).
func (b *Broker) Subscribe(ctx context.Context) (cache.Subscription, error) {
	return b.store.Subscribe(ctx, Topic)
}

// Decode parses a raw broker payload into a Message.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, errs.Wrap(errs.KindPublishFailed, "malformed broker message", err)
	}
	if msg.URI == nil && msg.Chunk == nil {
		return Message{}, errs.New(errs.KindPublishFailed, "broker message matches neither uri nor chunk shape")
	}
	return msg, nil
}
