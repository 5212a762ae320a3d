// Package worker implements the Worker (W) of SPEC_FULL.md §4.6: a pool of
// goroutines consuming the Broker subscription, turning `uri` messages into
// consolidated zarr metadata and `chunk` messages into chunk bytes.
//
// Grounded on perkeep's syncutil.Group-based fan-out in blobhub.go's
// NotifyBlobReceived, adapted here to golang.org/x/sync/errgroup plus a
// bounded job channel (SPEC_FULL.md §4.6's concurrency note).
package worker

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirupsen/logrus"

	"github.com/freva-org/freva-nextgen-sub001/internal/aggregator"
	"github.com/freva-org/freva-nextgen-sub001/internal/broker"
	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/codec"
	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/opener"
	"github.com/freva-org/freva-nextgen-sub001/internal/planner"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
	"github.com/freva-org/freva-nextgen-sub001/internal/zarrmeta"
)

// Pool is a bounded set of goroutines draining one Broker subscription.
type Pool struct {
	Store       cache.Store
	Broker      *broker.Broker
	Opener      opener.DatasetOpener
	SideTable   token.SideTable
	Concurrency int
	TTL         time.Duration
	Log         *logrus.Logger
	Now         func() time.Time
}

// NewPool returns a Pool with a default concurrency of runtime.NumCPU() and
// a no-op logger when log is nil.
func NewPool(store cache.Store, b *broker.Broker, o opener.DatasetOpener, side token.SideTable, ttl time.Duration, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		Store:       store,
		Broker:      b,
		Opener:      o,
		SideTable:   side,
		Concurrency: runtime.NumCPU(),
		TTL:         ttl,
		Log:         log,
	}
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run subscribes to the broker and processes messages until ctx is
// cancelled or the subscription closes. It returns the first error any
// worker goroutine returns (workers themselves never return errors for
// per-message failures — those are reported via the Cache — so in practice
// Run only returns ctx.Err()).
func (p *Pool) Run(ctx context.Context) error {
	sub, err := p.Broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan []byte, concurrency*4)

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for raw := range jobs {
				p.handle(gctx, raw)
			}
			return nil
		})
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			return g.Wait()
		case raw, ok := <-sub.Messages():
			if !ok {
				close(jobs)
				return g.Wait()
			}
			select {
			case jobs <- raw:
			case <-ctx.Done():
				close(jobs)
				return g.Wait()
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, raw []byte) {
	msg, err := broker.Decode(raw)
	if err != nil {
		p.Log.WithError(err).Warn("dropping malformed broker message")
		return
	}
	switch {
	case msg.URI != nil:
		p.handleURI(ctx, *msg.URI)
	case msg.Chunk != nil:
		p.handleChunk(ctx, *msg.Chunk)
	}
}

func (p *Pool) fail(ctx context.Context, tok string, now time.Time, cause error) {
	reason := cause.Error()
	if err := cache.PutFailed(ctx, p.Store, tok, reason, p.TTL, now); err != nil {
		p.Log.WithError(err).WithField("token", tok).Error("cannot persist failed status")
	}
}

// handleURI is step 2 of spec.md §4.6: open every source, aggregate, plan
// chunks per output group, build the consolidated metadata document, and
// mark the job ok (or failed, on any error along the way).
func (p *Pool) handleURI(ctx context.Context, job broker.URIJob) {
	now := p.now()
	log := p.Log.WithField("token", job.UUID)

	if err := cache.PutProcessing(ctx, p.Store, job.UUID, p.TTL, now); err != nil {
		log.WithError(err).Error("cannot mark job processing")
		return
	}

	desc, err := token.Decode(job.UUID, p.SideTable)
	if err != nil || len(desc.Sources) == 0 {
		// Idempotent fallback: a single-source job's side-table entry may
		// not have landed yet when a duplicate message is redelivered
		// (broker offers no ordering guarantee, spec.md §4.3).
		desc = token.Descriptor{Sources: []string{job.Path}}
	}

	inputs := make([]dataset.Description, 0, len(desc.Sources))
	for _, src := range desc.Sources {
		ds, err := p.Opener.Open(ctx, src)
		if err != nil {
			log.WithError(err).WithField("source", src).Warn("cannot open source")
			p.fail(ctx, job.UUID, now, err)
			return
		}
		inputs = append(inputs, ds)
	}

	outputs, _, err := aggregator.Aggregate(inputs, aggregatorOptions(desc.Options))
	if err != nil {
		log.WithError(err).Warn("aggregation failed")
		p.fail(ctx, job.UUID, now, err)
		return
	}

	plans := make(map[string]planner.ChunkPlan, len(outputs))
	for key, ds := range outputs {
		opt := plannerOptimizer(desc.Options)
		opt.DimOrder = sortedDimOrder(ds)
		plan, err := opt.Plan(ds)
		if err != nil {
			log.WithError(err).WithField("group", key).Warn("planning failed")
			p.fail(ctx, job.UUID, now, err)
			return
		}
		plans[key] = plan
	}

	meta, err := zarrmeta.Build(outputs, plans, codec.Describe)
	if err != nil {
		log.WithError(err).Warn("metadata build failed")
		p.fail(ctx, job.UUID, now, err)
		return
	}

	metaDoc := map[string]any{
		"zarr_consolidated_format": meta.ZarrConsolidatedFormat,
		"metadata":                 meta.Metadata,
	}
	if err := cache.PutOK(ctx, p.Store, job.UUID, metaDoc, p.TTL, p.now()); err != nil {
		log.WithError(err).Error("cannot persist job metadata")
	}
}

// sortedDimOrder derives a deterministic dim iteration order from a
// dataset's dim names. Description.Dims is a Go map with no declaration
// order; this reference worker has no real array backend to read the
// original declaration order from, so it falls back to a sorted order,
// which keeps the planner's "same inputs -> same ChunkPlan" guarantee
// (spec.md §4.4) intact even though it may differ from the source's
// original dim ordering.
func sortedDimOrder(ds dataset.Description) []string {
	order := make([]string, 0, len(ds.Dims))
	for d := range ds.Dims {
		order = append(order, d)
	}
	sort.Strings(order)
	return order
}

func aggregatorOptions(opts map[string]any) aggregator.Options {
	o := aggregator.Options{}
	if v, ok := stringOpt(opts, "mode"); ok {
		o.Mode = aggregator.Mode(v)
	}
	if v, ok := stringOpt(opts, "dim"); ok {
		o.Dim = v
	}
	if v, ok := stringOpt(opts, "group_by"); ok {
		o.GroupBy = aggregator.GroupBy(v)
	}
	if v, ok := stringOpt(opts, "join"); ok {
		o.Join = aggregator.Join(v)
	}
	if v, ok := stringOpt(opts, "compat"); ok {
		o.Compat = aggregator.Compat(v)
	}
	if v, ok := stringOpt(opts, "data_vars"); ok {
		o.DataVars = aggregator.VarsCoords(v)
	}
	if v, ok := stringOpt(opts, "coords"); ok {
		o.Coords = aggregator.VarsCoords(v)
	}
	return o
}

func plannerOptimizer(opts map[string]any) *planner.Optimizer {
	o := planner.NewOptimizer()
	if v, ok := opts["target"]; ok {
		o.Target = v
	}
	if v, ok := stringOpt(opts, "access_pattern"); ok {
		o.AccessPattern = planner.AccessPattern(v)
	}
	return o
}

func stringOpt(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// handleChunk is step 3 of spec.md §4.6: recover the variable's .zarray
// descriptor from the already-persisted metadata, slice (and pad) the
// requested chunk region, run it through the same filter/compressor the
// metadata advertised, and write the result under the chunk's cache key.
func (p *Pool) handleChunk(ctx context.Context, job broker.ChunkJob) {
	log := p.Log.WithFields(logrus.Fields{"token": job.UUID, "variable": job.Variable, "chunk": job.Chunk})

	status, env, err := cache.GetStatus(ctx, p.Store, job.UUID)
	if err != nil {
		log.WithError(err).Warn("no job metadata for chunk request")
		return
	}
	if status != cache.StatusOK {
		// Chunk entries may only exist while the parent job is ok
		// (spec.md §3 invariant); a chunk message for a not-yet-ok job is
		// a race the broker's no-ordering guarantee allows (§4.3) — drop
		// it, the gateway's poll will retry.
		log.WithField("status", status).Warn("job not ok yet; dropping chunk message")
		return
	}
	metaDoc, err := env.DecodeMeta()
	if err != nil || metaDoc == nil {
		log.WithError(err).Warn("cannot decode job metadata")
		return
	}
	metadata, _ := metaDoc["metadata"].(map[string]any)
	za, ok := lookupZArray(metadata, job.Variable)
	if !ok {
		log.Warn("variable not present in metadata")
		return
	}

	shape := intsOf(za["shape"])
	chunks := intsOf(za["chunks"])
	dtype, _ := za["dtype"].(string)
	if len(shape) == 0 || len(chunks) == 0 || len(shape) != len(chunks) {
		log.Warn("malformed zarray descriptor")
		return
	}

	indices, err := parseChunkID(job.Chunk, len(shape))
	if err != nil {
		log.WithError(err).Warn("malformed chunk id")
		return
	}

	srcShape := make([]int, len(shape))
	for i := range shape {
		start := indices[i] * chunks[i]
		avail := shape[i] - start
		if avail <= 0 {
			log.Warn("chunk id out of range")
			return
		}
		if avail > chunks[i] {
			avail = chunks[i]
		}
		srcShape[i] = avail
	}

	itemSize := dataset.ItemSizeOf(dtype)
	srcElems := 1
	for _, d := range srcShape {
		srcElems *= d
	}
	// Reference implementation: there is no real array backend behind
	// DatasetOpener (spec.md Non-goals: "not a general object store"), so
	// the available region is synthesised as zeroed bytes rather than read
	// from storage. Padding and filter/compressor selection still follow
	// the metadata exactly.
	data := make([]byte, srcElems*itemSize)
	padded := codec.PadChunk(data, srcShape, chunks, itemSize)

	vd := dataset.VarDesc{Dtype: dtype, ItemSize: itemSize, Dims: make([]string, len(shape))}
	filters := codec.Filters(vd)
	level := 3
	if compressor, ok := za["compressor"].(map[string]any); ok {
		if lv, ok := compressor["level"].(float64); ok {
			level = int(lv)
		}
	}

	encoded, err := codec.Encode(padded, dtype, itemSize, filters, level, nil)
	if err != nil {
		log.WithError(err).Warn("refusing to encode chunk; leaving it unwritten")
		return
	}

	if err := cache.PutChunk(ctx, p.Store, job.UUID, job.Variable, job.Chunk, encoded, p.TTL, p.now()); err != nil {
		log.WithError(err).Error("cannot persist chunk")
	}
}

// lookupZArray finds a variable's .zarray descriptor, whether it lives at
// the root (single-dataset jobs) or under a group prefix (aggregated jobs
// with grouped output, spec.md §6).
func lookupZArray(metadata map[string]any, variable string) (map[string]any, bool) {
	if v, ok := metadata[variable+"/.zarray"]; ok {
		if m, ok := v.(map[string]any); ok {
			return m, true
		}
	}
	for key, v := range metadata {
		if strings.HasSuffix(key, "/"+variable+"/.zarray") {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func intsOf(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, len(raw))
	for i, e := range raw {
		switch n := e.(type) {
		case float64:
			out[i] = int(n)
		case int:
			out[i] = n
		}
	}
	return out
}

func parseChunkID(chunkID string, ndim int) ([]int, error) {
	parts := strings.Split(chunkID, ".")
	if len(parts) != ndim {
		return nil, errs.New(errs.KindNotFound, "chunk id dimensionality mismatch")
	}
	out := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errs.Wrap(errs.KindNotFound, "chunk id is not numeric", err)
		}
		out[i] = n
	}
	return out, nil
}
