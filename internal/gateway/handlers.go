package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

const zarrSuffix = ".zarr"

// parseTokenZarr strips the ".zarr" suffix every zarr-tree path segment
// carries (e.g. "{token}.zarr"), failing BadToken if absent or malformed.
func parseTokenZarr(seg string) (string, error) {
	if !strings.HasSuffix(seg, zarrSuffix) {
		return "", errs.New(errs.KindBadToken, "path segment is missing the .zarr suffix")
	}
	tok := strings.TrimSuffix(seg, zarrSuffix)
	if !token.Valid(tok) {
		return "", errs.New(errs.KindBadToken, "not a well-formed path token")
	}
	return tok, nil
}

// parseTimeout reads the "timeout" query parameter, clamped to [0, 1500]s
// (spec.md §5) and defaulting to def when absent or invalid.
func (s *Server) parseTimeout(r *http.Request, def time.Duration) time.Duration {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	maxTimeout := s.Config.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = 1500 * time.Second
	}
	d := time.Duration(secs) * time.Second
	if d < 0 {
		d = 0
	}
	if d > maxTimeout {
		d = maxTimeout
	}
	return d
}

func statusName(st cache.Status) string {
	return st.String()
}

// pollUntil polls check every s.Config.PollInterval (default 500ms) until
// it reports done=true or timeout elapses, using a ticker under a
// context.WithTimeout so an abandoned client connection (ctx.Done()) stops
// the loop promptly — spec.md §5's cooperative polling model.
func (s *Server) pollUntil(r *http.Request, timeout time.Duration, check func() (done bool)) {
	if check() {
		return
	}
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, tok string) {
	timeout := s.parseTimeout(r, s.Config.DefaultTimeout)
	var status cache.Status
	var found bool
	s.pollUntil(r, timeout, func() bool {
		st, _, err := cache.GetStatus(r.Context(), s.Store, tok)
		if err != nil {
			status, found = cache.StatusGone, false
			return false
		}
		status, found = st, true
		return status == cache.StatusOK || status == cache.StatusFailed || status == cache.StatusGone
	})
	if !found {
		status = cache.StatusGone
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": int(status), "status_name": statusName(status)})
}

// handleZMetadata implements spec.md §4.7's on-demand re-publish: if the
// job entry is absent, it decodes the token (descriptor-form tokens always
// decode; single-source tokens need a live side-table entry) and republishes
// a uri message before polling.
func (s *Server) handleZMetadata(w http.ResponseWriter, r *http.Request, tok string) {
	timeout := s.parseTimeout(r, 1*time.Second)

	status, _, err := cache.GetStatus(r.Context(), s.Store, tok)
	if err != nil {
		desc, derr := token.Decode(tok, s.SideTable)
		if derr != nil {
			writeError(w, errs.Wrap(errs.KindNotFound, "no job for token and it cannot be re-derived", derr))
			return
		}
		now := s.now()
		ttl := s.Config.DefaultTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		if err := cache.PutWaiting(r.Context(), s.Store, tok, ttl, now); err != nil {
			writeError(w, err)
			return
		}
		path := ""
		if len(desc.Sources) > 0 {
			path = desc.Sources[0]
		}
		if err := s.Broker.PublishURI(r.Context(), path, tok); err != nil {
			writeError(w, err)
			return
		}
		status = cache.StatusWaiting
	}

	var env cache.Envelope
	s.pollUntil(r, timeout, func() bool {
		st, e, err := cache.GetStatus(r.Context(), s.Store, tok)
		if err != nil {
			return false
		}
		status, env = st, e
		return status == cache.StatusOK || status == cache.StatusFailed
	})

	if status != cache.StatusOK {
		writeError(w, errs.New(errs.KindNotFound, "metadata not ready"))
		return
	}
	meta, err := env.DecodeMeta()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleZGroup(w http.ResponseWriter, r *http.Request, tok string) {
	metadata, ok := s.cachedMetadataMap(r, tok)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no metadata for token"))
		return
	}
	marker, ok := metadata[".zgroup"]
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no root group marker"))
		return
	}
	writeJSON(w, http.StatusOK, marker)
}

func (s *Server) handleZAttrs(w http.ResponseWriter, r *http.Request, tok string) {
	metadata, ok := s.cachedMetadataMap(r, tok)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no metadata for token"))
		return
	}
	attrs, ok := metadata[".zattrs"]
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no root attrs"))
		return
	}
	writeJSON(w, http.StatusOK, attrs)
}

func (s *Server) handleVarZArray(w http.ResponseWriter, r *http.Request, tok string) {
	s.serveVarEntry(w, r, tok, "/.zarray")
}

func (s *Server) handleVarZAttrs(w http.ResponseWriter, r *http.Request, tok string) {
	s.serveVarEntry(w, r, tok, "/.zattrs")
}

func (s *Server) serveVarEntry(w http.ResponseWriter, r *http.Request, tok, suffix string) {
	varName := chi.URLParam(r, "var")
	metadata, ok := s.cachedMetadataMap(r, tok)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no metadata for token"))
		return
	}
	entry, ok := lookupVarEntry(metadata, varName, suffix)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no such variable"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleChunk implements spec.md §4.7's chunk endpoint: cache hit serves
// immediately; a miss publishes a chunk message and polls for it to appear.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, tok string) {
	varName := chi.URLParam(r, "var")
	chunkID := chi.URLParam(r, "chunkID")
	if chunkID == ".zgroup" {
		writeError(w, errs.New(errs.KindSubGroupUnsupported, "sub-groups are not supported"))
		return
	}

	status, _, err := cache.GetStatus(r.Context(), s.Store, tok)
	if err != nil || status != cache.StatusOK {
		writeError(w, errs.New(errs.KindNotFound, "job is not ready"))
		return
	}
	metadata, ok := s.cachedMetadataMap(r, tok)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no metadata for token"))
		return
	}
	if _, ok := lookupVarEntry(metadata, varName, "/.zarray"); !ok {
		writeError(w, errs.New(errs.KindNotFound, "no such variable"))
		return
	}

	data, found, err := cache.GetChunk(r.Context(), s.Store, tok, varName, chunkID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		if err := s.Broker.PublishChunk(r.Context(), tok, varName, chunkID); err != nil {
			writeError(w, err)
			return
		}
		timeout := s.parseTimeout(r, s.Config.DefaultTimeout)
		s.pollUntil(r, timeout, func() bool {
			d, ok, err := cache.GetChunk(r.Context(), s.Store, tok, varName, chunkID)
			if err != nil || !ok {
				return false
			}
			data, found = d, true
			return true
		})
	}
	if !found {
		writeError(w, errs.New(errs.KindNotFound, "chunk not ready"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// cachedMetadataMap returns the job's metadata map iff its status is ok.
func (s *Server) cachedMetadataMap(r *http.Request, tok string) (map[string]any, bool) {
	status, env, err := cache.GetStatus(r.Context(), s.Store, tok)
	if err != nil || status != cache.StatusOK {
		return nil, false
	}
	doc, err := env.DecodeMeta()
	if err != nil || doc == nil {
		return nil, false
	}
	metadata, ok := doc["metadata"].(map[string]any)
	return metadata, ok
}

// lookupVarEntry finds "{var}{suffix}" at the root, or under any group
// prefix for aggregated jobs (spec.md §6).
func lookupVarEntry(metadata map[string]any, varName, suffix string) (any, bool) {
	if v, ok := metadata[varName+suffix]; ok {
		return v, true
	}
	for key, v := range metadata {
		if strings.HasSuffix(key, "/"+varName+suffix) {
			return v, true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
