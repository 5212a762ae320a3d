package worker

import (
	"context"
	"testing"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/broker"
	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/opener"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

func fixtureDataset() dataset.Description {
	return dataset.Description{
		Dims: map[string]int{"time": 10, "lat": 4, "lon": 4},
		Coords: map[string]dataset.CoordDesc{
			"time": {Dims: []string{"time"}, Dtype: "int64"},
		},
		DataVars: map[string]dataset.VarDesc{
			"tas": {Dims: []string{"time", "lat", "lon"}, Dtype: "float32"},
		},
		Attrs: map[string]any{},
	}
}

func newTestPool(t *testing.T, uri string) (*Pool, *broker.Broker, cache.Store, string) {
	t.Helper()
	store := cache.NewMemStore()
	b := broker.New(store)
	side := token.NewCacheSideTable(store)
	op := opener.NewPosixOpener()
	op.Fixtures[uri] = fixtureDataset()

	pool := NewPool(store, b, op, side, time.Minute, nil)
	pool.Now = func() time.Time { return time.Unix(1000, 0) }
	return pool, b, store, uri
}

func TestHandleURIProducesOKMetadata(t *testing.T) {
	uri := "file:///data/tas.nc"
	pool, _, store, _ := newTestPool(t, uri)
	ctx := context.Background()

	tok := token.EncodeSingleSource(uri)
	if err := pool.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}

	pool.handleURI(ctx, broker.URIJob{Path: uri, UUID: tok})

	status, env, err := cache.GetStatus(ctx, store, tok)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != cache.StatusOK {
		t.Fatalf("expected StatusOK, got %v (reason=%q)", status, env.Reason())
	}
	meta, err := env.DecodeMeta()
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if _, ok := meta["metadata"]; !ok {
		t.Fatalf("expected a metadata map in the ok payload: %+v", meta)
	}
}

func TestHandleURIFailsOnOpenError(t *testing.T) {
	pool, _, store, _ := newTestPool(t, "file:///data/tas.nc")
	ctx := context.Background()

	tok := token.EncodeSingleSource("file:///missing.nc")
	pool.handleURI(ctx, broker.URIJob{Path: "file:///missing.nc", UUID: tok})

	status, env, err := cache.GetStatus(ctx, store, tok)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != cache.StatusFailed {
		t.Fatalf("expected StatusFailed, got %v", status)
	}
	if env.Reason() == "" {
		t.Fatalf("expected a failure reason")
	}
}

func TestHandleChunkWritesPaddedEncodedChunk(t *testing.T) {
	uri := "file:///data/tas.nc"
	pool, _, store, _ := newTestPool(t, uri)
	ctx := context.Background()

	tok := token.EncodeSingleSource(uri)
	if err := pool.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}
	pool.handleURI(ctx, broker.URIJob{Path: uri, UUID: tok})

	status, _, err := cache.GetStatus(ctx, store, tok)
	if err != nil || status != cache.StatusOK {
		t.Fatalf("precondition: job not ok (status=%v err=%v)", status, err)
	}

	pool.handleChunk(ctx, broker.ChunkJob{UUID: tok, Variable: "tas", Chunk: "0.0.0"})

	data, ok, err := cache.GetChunk(ctx, store, tok, "tas", "0.0.0")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if !ok {
		t.Fatalf("expected a chunk entry to be written")
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty encoded chunk bytes")
	}
}

func TestHandleChunkDropsWhenJobNotOK(t *testing.T) {
	uri := "file:///data/tas.nc"
	pool, _, store, _ := newTestPool(t, uri)
	ctx := context.Background()

	tok := token.EncodeSingleSource(uri)
	if err := cache.PutWaiting(ctx, store, tok, time.Minute, pool.Now()); err != nil {
		t.Fatalf("PutWaiting: %v", err)
	}

	pool.handleChunk(ctx, broker.ChunkJob{UUID: tok, Variable: "tas", Chunk: "0.0.0"})

	_, ok, err := cache.GetChunk(ctx, store, tok, "tas", "0.0.0")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if ok {
		t.Fatalf("expected no chunk entry while job is still waiting")
	}
}

func TestRunProcessesPublishedURIMessageThenStopsOnCancel(t *testing.T) {
	uri := "file:///data/tas.nc"
	pool, b, store, _ := newTestPool(t, uri)
	pool.Concurrency = 2

	tok := token.EncodeSingleSource(uri)
	if err := pool.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// Run subscribes asynchronously; republish on a short interval until
	// the subscription is live and the job reaches ok, since the broker
	// (like the real one) offers no delivery guarantee to a subscriber
	// that hasn't registered yet.
	deadline := time.After(2 * time.Second)
	for {
		if err := b.PublishURI(context.Background(), uri, tok); err != nil {
			t.Fatalf("PublishURI: %v", err)
		}
		status, _, err := cache.GetStatus(context.Background(), store, tok)
		if err == nil && status == cache.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached ok (status=%v err=%v)", status, err)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
