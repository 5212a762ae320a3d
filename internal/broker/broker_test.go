package broker

import (
	"context"
	"testing"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

func TestPublishURIAndDecode(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemStore()
	b := New(store)

	sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.PublishURI(ctx, "/work/a.nc", "tok-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-sub.Messages():
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.URI == nil || msg.Chunk != nil {
			t.Fatalf("expected uri-only message, got %+v", msg)
		}
		if msg.URI.Path != "/work/a.nc" || msg.URI.UUID != "tok-1" {
			t.Fatalf("unexpected uri job: %+v", msg.URI)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestPublishChunkAndDecode(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemStore()
	b := New(store)

	sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.PublishChunk(ctx, "tok-1", "ua", "0.0.0"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-sub.Messages():
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Chunk == nil || msg.URI != nil {
			t.Fatalf("expected chunk-only message, got %+v", msg)
		}
		if msg.Chunk.UUID != "tok-1" || msg.Chunk.Variable != "ua" || msg.Chunk.Chunk != "0.0.0" {
			t.Fatalf("unexpected chunk job: %+v", msg.Chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestDecodeRejectsMalformedMessage(t *testing.T) {
	if _, err := Decode([]byte(`{}`)); errs.KindOf(err) != errs.KindPublishFailed {
		t.Fatalf("expected PublishFailed for empty message, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for non-JSON payload")
	}
}
