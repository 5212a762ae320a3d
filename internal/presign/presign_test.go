package presign

import (
	"testing"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

func TestSignAndVerifyRoundTrips(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	d := token.Descriptor{Sources: []string{"/work/a.nc"}}
	now := time.Unix(1_700_000_000, 0)

	tok, sig, err := s.Sign(d, time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := s.Verify(tok, sig, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(got.Sources) != 1 || got.Sources[0] != "/work/a.nc" {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	d := token.Descriptor{Sources: []string{"/work/a.nc"}}
	now := time.Unix(1_700_000_000, 0)

	tok, sig, err := s.Sign(d, time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = s.Verify(tok, sig, now.Add(2*time.Minute))
	if errs.KindOf(err) != errs.KindShareExpired {
		t.Fatalf("expected ShareExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongSecretOrTamperedToken(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	other := NewSigner([]byte("other-secret"))
	d := token.Descriptor{Sources: []string{"/work/a.nc"}}
	now := time.Unix(1_700_000_000, 0)

	tok, sig, err := s.Sign(d, time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := other.Verify(tok, sig, now); errs.KindOf(err) != errs.KindShareInvalid {
		t.Fatalf("expected ShareInvalid for wrong secret, got %v", err)
	}
	if _, err := s.Verify(tok+"x", sig, now); errs.KindOf(err) != errs.KindShareInvalid {
		t.Fatalf("expected ShareInvalid for tampered token, got %v", err)
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	s := NewSigner([]byte("test-secret"))
	sig := s.signature("d_")
	if _, err := s.Verify("d_", sig, time.Now()); errs.KindOf(err) != errs.KindShareInvalid {
		t.Fatalf("expected ShareInvalid for empty payload, got %v", err)
	}
}
