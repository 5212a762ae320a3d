// Package token implements the path token codec (T): a deterministic,
// bijective mapping between an opaque URL-safe token and the structured
// job input it encodes, per SPEC_FULL.md §4.1.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// Descriptor is the JobDescriptor entity of spec.md §3.
type Descriptor struct {
	Sources []string       `json:"sources"`
	Options map[string]any `json:"options,omitempty"`
}

// canonicalize lower-cases URI schemes and sorts option map keys, without
// reordering the source list (order matters for concat, per spec.md §4.1).
func canonicalize(d Descriptor) Descriptor {
	out := Descriptor{
		Sources: make([]string, len(d.Sources)),
		Options: make(map[string]any, len(d.Options)),
	}
	for i, s := range d.Sources {
		out.Sources[i] = lowerScheme(s)
	}
	for k, v := range d.Options {
		out.Options[k] = v
	}
	return out
}

func lowerScheme(uri string) string {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return uri
	}
	return strings.ToLower(uri[:idx]) + uri[idx:]
}

// canonicalJSON marshals d with deterministically ordered map keys.
// encoding/json already sorts map[string]any keys when marshalling, which
// is sufficient for a stable, canonical byte representation here (the same
// approach perkeep's pkg/jsonsign takes for its signable payloads).
func canonicalJSON(d Descriptor) ([]byte, error) {
	return json.Marshal(canonicalize(d))
}

// Encode produces the opaque token for a descriptor. Single-source
// descriptors with no options use the deterministic uuid5-style form (so
// concurrent requests for the same path dedupe onto one job); everything
// else uses the fully self-describing canonical-JSON form.
func Encode(d Descriptor) (string, error) {
	if len(d.Sources) == 1 && len(d.Options) == 0 {
		return EncodeSingleSource(d.Sources[0]), nil
	}
	return encodeDescriptorForm(d)
}

// EncodeSingleSource returns the deterministic single-source token: a
// SHA1-namespaced UUID over the (scheme-lowercased) URI, matching the
// original's `uuid.uuid5(uuid.NAMESPACE_URL, path)` (SPEC_FULL.md §4.1).
func EncodeSingleSource(uri string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(lowerScheme(uri))).String()
}

const descriptorFormPrefix = "d_"

func encodeDescriptorForm(d Descriptor) (string, error) {
	raw, err := canonicalJSON(d)
	if err != nil {
		return "", fmt.Errorf("token: encode: %w", err)
	}
	return descriptorFormPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// SideTable is where the gateway records the plaintext descriptor behind a
// single-source token, since a uuid5 cannot be inverted (SPEC_FULL.md §4.1).
type SideTable interface {
	Put(token string, descriptor Descriptor, ttlSeconds int) error
	Get(token string) (Descriptor, bool, error)
}

// Decode returns the descriptor for token. Descriptor-form tokens decode
// directly; single-source tokens require a SideTable lookup.
func Decode(tok string, side SideTable) (Descriptor, error) {
	if strings.HasPrefix(tok, descriptorFormPrefix) {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, descriptorFormPrefix))
		if err != nil {
			return Descriptor{}, errs.Wrap(errs.KindBadToken, "malformed token", err)
		}
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return Descriptor{}, errs.Wrap(errs.KindBadToken, "malformed token payload", err)
		}
		return d, nil
	}
	if _, err := uuid.Parse(tok); err != nil {
		return Descriptor{}, errs.Wrap(errs.KindBadToken, "not a valid token", err)
	}
	if side == nil {
		return Descriptor{}, errs.New(errs.KindBadToken, "no side table to resolve single-source token")
	}
	d, ok, err := side.Get(tok)
	if err != nil {
		return Descriptor{}, errs.Wrap(errs.KindBadToken, "side table lookup failed", err)
	}
	if !ok {
		return Descriptor{}, errs.New(errs.KindNotFound, "token has no job")
	}
	return d, nil
}

// Valid reports whether tok is well-formed (without resolving a
// single-source token against any side table).
func Valid(tok string) bool {
	if strings.HasPrefix(tok, descriptorFormPrefix) {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, descriptorFormPrefix))
		if err != nil {
			return false
		}
		var d Descriptor
		return json.Unmarshal(raw, &d) == nil
	}
	_, err := uuid.Parse(tok)
	return err == nil
}

// sortedOptionKeys is exposed for callers that need a deterministic
// iteration order over a descriptor's options (e.g. for logging).
func sortedOptionKeys(opts map[string]any) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
