package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

const sideTableKeyPrefix = "tok:"

// CacheSideTable implements SideTable over a cache.Store: the "tok:<token>"
// mapping from SPEC_FULL.md §4.1 that lets decode recover the plaintext
// descriptor behind a single-source token, since a uuid5 can't be inverted.
// Written by the gateway at convert time with the same TTL as the job, read
// by the gateway (and the worker, for aggregated jobs) thereafter.
type CacheSideTable struct {
	Store cache.Store
	Now   func() time.Time
}

func NewCacheSideTable(store cache.Store) *CacheSideTable {
	return &CacheSideTable{Store: store, Now: time.Now}
}

func (c *CacheSideTable) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *CacheSideTable) key(tok string) string { return sideTableKeyPrefix + tok }

// Put stores descriptor behind token for ttlSeconds. The SideTable interface
// predates context plumbing (it mirrors the original's synchronous cache
// calls); Put/Get use a background context rather than widen the interface.
func (c *CacheSideTable) Put(tok string, d Descriptor, ttlSeconds int) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return errs.Wrap(errs.KindBadToken, "cannot encode descriptor for side table", err)
	}
	env := cache.Envelope{Status: cache.StatusOK, Payload: raw, TS: c.now().UnixMilli()}
	return c.Store.Set(context.Background(), c.key(tok), env, time.Duration(ttlSeconds)*time.Second)
}

func (c *CacheSideTable) Get(tok string) (Descriptor, bool, error) {
	env, ok, err := c.Store.Get(context.Background(), c.key(tok))
	if err != nil {
		return Descriptor{}, false, err
	}
	if !ok {
		return Descriptor{}, false, nil
	}
	var d Descriptor
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		return Descriptor{}, false, errs.Wrap(errs.KindBadToken, "corrupt side table entry", err)
	}
	return d, true, nil
}
