package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/auth"
	"github.com/freva-org/freva-nextgen-sub001/internal/broker"
	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/presign"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

const testBearer = "test-token"

func newTestServer(t *testing.T) (*Server, cache.Store) {
	t.Helper()
	store := cache.NewMemStore()
	b := broker.New(store)
	side := token.NewCacheSideTable(store)
	signer := presign.NewSigner([]byte("test-secret"))
	verifier := auth.NewStaticVerifier()
	verifier.Tokens[testBearer] = auth.MapClaims{"role": "data-portal-reader"}

	s := NewServer(store, b, side, signer, verifier, Config{
		MinTTL:         time.Second,
		MaxTTL:         time.Hour,
		DefaultTTL:     time.Minute,
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     10 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	s.Now = func() time.Time { return time.Unix(1000, 0) }
	return s, store
}

func doRequest(t *testing.T, s *Server, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(raw))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, r)
	return w
}

func TestConvertRejectsMissingAuth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/convert", map[string]any{"path": "file:///a.nc", "ttl_seconds": 30}, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestConvertSingleSourceReturnsDeterministicURL(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	w := doRequest(t, s, http.MethodPost, "/convert", map[string]any{"path": uri, "ttl_seconds": 30}, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.URLs) != 1 {
		t.Fatalf("expected 1 url, got %v", resp.URLs)
	}
	wantTok := token.EncodeSingleSource(uri)
	wantURL := "/zarr/" + wantTok + ".zarr"
	if resp.URLs[0] != wantURL {
		t.Fatalf("expected %q, got %q", wantURL, resp.URLs[0])
	}
	status, _, err := cache.GetStatus(context.Background(), store, wantTok)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != cache.StatusWaiting {
		t.Fatalf("expected waiting status after convert, got %v", status)
	}
}

func TestConvertAggregateEncodesSingleDescriptorToken(t *testing.T) {
	s, _ := newTestServer(t)
	paths := []string{"file:///a.nc", "file:///b.nc"}
	w := doRequest(t, s, http.MethodPost, "/convert", map[string]any{
		"path": paths, "aggregate": true, "dim": "time", "ttl_seconds": 30,
	}, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.URLs) != 1 {
		t.Fatalf("expected exactly 1 url for an aggregate request, got %v", resp.URLs)
	}
}

func TestStatusReportsWaitingThenOK(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	if err := cache.PutWaiting(context.Background(), store, tok, time.Minute, s.now()); err != nil {
		t.Fatalf("PutWaiting: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/status?timeout=0", nil, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != float64(cache.StatusWaiting) {
		t.Fatalf("expected status %d, got %v", cache.StatusWaiting, resp)
	}

	if err := cache.PutOK(context.Background(), store, tok, map[string]any{"metadata": map[string]any{}}, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}
	w = doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/status?timeout=0", nil, testBearer)
	var resp2 map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp2["status"] != float64(cache.StatusOK) {
		t.Fatalf("expected status %d, got %v", cache.StatusOK, resp2)
	}
}

func TestZMetadataServesPersistedDocument(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	doc := map[string]any{
		"zarr_consolidated_format": 1,
		"metadata": map[string]any{
			".zgroup":     map[string]any{"zarr_format": 2},
			".zattrs":     map[string]any{},
			"tas/.zarray": map[string]any{"shape": []any{10.0, 4.0, 4.0}, "dtype": "<f4"},
		},
	}
	if err := cache.PutOK(context.Background(), store, tok, doc, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/.zmetadata", nil, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := got["metadata"]; !ok {
		t.Fatalf("expected metadata field, got %v", got)
	}
}

func TestZMetadataRepublishesOnMissingJob(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/missing.nc"
	tok := token.EncodeSingleSource(uri)
	if err := s.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/.zmetadata?timeout=0", nil, testBearer)
	if w.Code == http.StatusOK {
		t.Fatalf("expected non-200 since no worker ever ran, got 200: %s", w.Body.String())
	}
	status, _, err := cache.GetStatus(context.Background(), store, tok)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != cache.StatusWaiting {
		t.Fatalf("expected republish to move job to waiting, got %v", status)
	}
}

func TestVarZArrayServesEntry(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	zarray := map[string]any{"shape": []any{10.0, 4.0, 4.0}, "dtype": "<f4"}
	doc := map[string]any{"metadata": map[string]any{"tas/.zarray": zarray}}
	if err := cache.PutOK(context.Background(), store, tok, doc, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/tas/.zarray", nil, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChunkRejectsZGroupSegment(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	if err := cache.PutOK(context.Background(), store, tok, map[string]any{"metadata": map[string]any{}}, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}
	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/tas/.zgroup", nil, testBearer)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChunkNotReadyWhenJobNotOK(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	if err := cache.PutWaiting(context.Background(), store, tok, time.Minute, s.now()); err != nil {
		t.Fatalf("PutWaiting: %v", err)
	}
	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/tas/0.0.0", nil, testBearer)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChunkServesCacheHit(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	zarray := map[string]any{"shape": []any{10.0, 4.0, 4.0}, "dtype": "<f4"}
	doc := map[string]any{"metadata": map[string]any{"tas/.zarray": zarray}}
	if err := cache.PutOK(context.Background(), store, tok, doc, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}
	payload := []byte{1, 2, 3, 4}
	if err := cache.PutChunk(context.Background(), store, tok, "tas", "0.0.0", payload, time.Minute, s.now()); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/zarr/"+tok+".zarr/tas/0.0.0", nil, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatalf("expected %v, got %v", payload, w.Body.Bytes())
	}
}

func TestShareZarrThenShareLinkServesSameMetadata(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	doc := map[string]any{"metadata": map[string]any{".zattrs": map[string]any{"k": "v"}}}
	if err := cache.PutOK(context.Background(), store, tok, doc, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}
	if err := s.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}

	w := doRequest(t, s, http.MethodPost, "/share-zarr", map[string]any{
		"path": "/zarr/" + tok + ".zarr/.zattrs",
	}, testBearer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		URL string `json:"url"`
		Sig string `json:"sig"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w2 := doRequest(t, s, http.MethodGet, resp.URL+"/.zattrs", nil, "")
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 on share link, got %d: %s", w2.Code, w2.Body.String())
	}
	var attrs map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &attrs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if attrs["k"] != "v" {
		t.Fatalf("expected k=v, got %v", attrs)
	}
}

func TestShareLinkRejectsTamperedSignature(t *testing.T) {
	s, store := newTestServer(t)
	uri := "file:///data/tas.nc"
	tok := token.EncodeSingleSource(uri)
	if err := cache.PutOK(context.Background(), store, tok, map[string]any{"metadata": map[string]any{}}, time.Minute, s.now()); err != nil {
		t.Fatalf("PutOK: %v", err)
	}
	if err := s.SideTable.Put(tok, token.Descriptor{Sources: []string{uri}}, 60); err != nil {
		t.Fatalf("side table put: %v", err)
	}
	w := doRequest(t, s, http.MethodPost, "/share-zarr", map[string]any{"path": "/zarr/" + tok + ".zarr/.zattrs"}, testBearer)
	var resp struct {
		URL string `json:"url"`
		Sig string `json:"sig"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	tamperedURL := strings.Replace(resp.URL, resp.Sig, resp.Sig+"00", 1)
	w2 := doRequest(t, s, http.MethodGet, tamperedURL+"/.zattrs", nil, "")
	if w2.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestRateLimitConvertRejectsBurst(t *testing.T) {
	s, _ := newTestServer(t)
	s.Config.ConvertRateLimit = 0.001
	s.Config.ConvertBurst = 1

	w1 := doRequest(t, s, http.MethodPost, "/convert", map[string]any{"path": "file:///a.nc", "ttl_seconds": 30}, testBearer)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d: %s", w1.Code, w1.Body.String())
	}
	w2 := doRequest(t, s, http.MethodPost, "/convert", map[string]any{"path": "file:///b.nc", "ttl_seconds": 30}, testBearer)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected second request to be rate limited, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestServiceAllowListRejectsDisabledService(t *testing.T) {
	s, _ := newTestServer(t)
	s.Config.ServiceName = "data-portal"
	s.Config.ServiceAllowList = []string{"other-service"}

	w := doRequest(t, s, http.MethodPost, "/convert", map[string]any{"path": "file:///a.nc", "ttl_seconds": 30}, testBearer)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}
