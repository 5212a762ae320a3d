package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

// convertRequest is the POST /convert body of spec.md §4.7.
type convertRequest struct {
	Path       json.RawMessage `json:"path"`
	Aggregate  bool            `json:"aggregate,omitempty"`
	Join       string          `json:"join,omitempty"`
	Compat     string          `json:"compat,omitempty"`
	DataVars   string          `json:"data_vars,omitempty"`
	Coords     string          `json:"coords,omitempty"`
	Dim        string          `json:"dim,omitempty"`
	GroupBy    string          `json:"group_by,omitempty"`
	Public     bool            `json:"public"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// paths normalizes the path field, which is either a single string or a
// list of strings.
func (c convertRequest) paths() ([]string, error) {
	var single string
	if err := json.Unmarshal(c.Path, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(c.Path, &many); err == nil {
		return many, nil
	}
	return nil, errs.New(errs.KindBadToken, "path must be a string or list of strings")
}

func (c convertRequest) options() map[string]any {
	opts := map[string]any{}
	if c.Join != "" {
		opts["join"] = c.Join
	}
	if c.Compat != "" {
		opts["compat"] = c.Compat
	}
	if c.DataVars != "" {
		opts["data_vars"] = c.DataVars
	}
	if c.Coords != "" {
		opts["coords"] = c.Coords
	}
	if c.Dim != "" {
		opts["dim"] = c.Dim
	}
	if c.GroupBy != "" {
		opts["group_by"] = c.GroupBy
	}
	return opts
}

func (c convertRequest) ttl(cfg Config) time.Duration {
	if c.TTLSeconds <= 0 {
		return cfg.DefaultTTL
	}
	ttl := time.Duration(c.TTLSeconds) * time.Second
	if ttl < cfg.MinTTL {
		return cfg.MinTTL
	}
	if ttl > cfg.MaxTTL {
		return cfg.MaxTTL
	}
	return ttl
}

// handleConvert is POST /convert (spec.md §4.7): encode a token per
// requested job, publish a uri message, and return its zarr URL. It never
// verifies the sources exist — the worker reports failure asynchronously.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindBadToken, "malformed request body", err))
		return
	}
	paths, err := req.paths()
	if err != nil {
		writeError(w, err)
		return
	}
	if len(paths) == 0 {
		writeError(w, errs.New(errs.KindBadToken, "path must not be empty"))
		return
	}

	ttl := req.ttl(s.Config)
	now := s.now()

	var descriptors []token.Descriptor
	if req.Aggregate {
		descriptors = []token.Descriptor{{Sources: paths, Options: req.options()}}
	} else {
		for _, p := range paths {
			descriptors = append(descriptors, token.Descriptor{Sources: []string{p}})
		}
	}

	urls := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		tok, err := token.Encode(d)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.SideTable.Put(tok, d, int(ttl/time.Second)); err != nil {
			writeError(w, err)
			return
		}
		if err := cache.PutWaiting(r.Context(), s.Store, tok, ttl, now); err != nil {
			writeError(w, err)
			return
		}
		path := ""
		if len(d.Sources) > 0 {
			path = d.Sources[0]
		}
		if err := s.Broker.PublishURI(r.Context(), path, tok); err != nil {
			writeError(w, err)
			return
		}
		urls = append(urls, "/zarr/"+tok+zarrSuffix)
	}

	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// handleShareZarr is POST /share-zarr (spec.md §4.7): validate that path
// decodes via T, then mint a self-contained, HMAC-signed share token.
func (s *Server) handleShareZarr(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindBadToken, "malformed request body", err))
		return
	}
	tok, err := tokenFromZarrURL(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	desc, err := token.Decode(tok, s.SideTable)
	if err != nil {
		writeError(w, err)
		return
	}
	ttl := s.Config.PreSignDefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	shareTok, sig, err := s.Signer.Sign(desc, ttl, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	url := "/share/" + sig + "/zarr/" + shareTok + zarrSuffix
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "sig": sig})
}

// tokenFromZarrURL extracts the token from a "/zarr/{token}.zarr[/...]"
// path (spec.md §4.7's share-zarr body carries the full URI).
func tokenFromZarrURL(path string) (string, error) {
	const marker = "/zarr/"
	idx := indexOf(path, marker)
	if idx < 0 {
		return "", errs.New(errs.KindBadToken, "path does not contain /zarr/{token}.zarr")
	}
	rest := path[idx+len(marker):]
	seg := rest
	if slash := indexOf(rest, "/"); slash >= 0 {
		seg = rest[:slash]
	}
	return parseTokenZarr(seg)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
