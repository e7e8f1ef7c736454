package auth

import (
	"context"
	"testing"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/clock"
)

func testCodec(secrets StaticSecrets, clk clock.Clock) *TokenCodec {
	return NewTokenCodec(secrets, clk, "pointsd-test")
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	codec := testCodec(StaticSecrets{{ID: 1, Value: []byte("primary-secret-0123456789"), Primary: true}}, clk)

	tok, err := codec.Sign(context.Background(), 42)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, err := codec.VerifyUserID(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 42 {
		t.Fatalf("verified user id = %d, want 42", userID)
	}
}

func TestVerifyTriesEverySecret(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	oldCodec := testCodec(StaticSecrets{{ID: 1, Value: []byte("old-secret-0123456789abc"), Primary: true}}, clk)
	tok, err := oldCodec.Sign(context.Background(), 7)
	if err != nil {
		t.Fatalf("sign with old secret: %v", err)
	}

	// After rotation the old secret is kept as non-primary.
	rotated := testCodec(StaticSecrets{
		{ID: 2, Value: []byte("new-secret-0123456789abc"), Primary: true},
		{ID: 1, Value: []byte("old-secret-0123456789abc")},
	}, clk)
	userID, err := rotated.VerifyUserID(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if userID != 7 {
		t.Fatalf("verified user id = %d, want 7", userID)
	}
}

func TestVerifySkipsExpiredSecret(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	expiredAt := clk.T.Add(-time.Hour)
	signer := testCodec(StaticSecrets{{ID: 1, Value: []byte("retired-secret-012345678"), Primary: true}}, clk)
	tok, err := signer.Sign(context.Background(), 9)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier := testCodec(StaticSecrets{
		{ID: 2, Value: []byte("current-secret-012345678"), Primary: true},
		{ID: 1, Value: []byte("retired-secret-012345678"), ExpiresAt: &expiredAt},
	}, clk)
	if _, err := verifier.VerifyUserID(context.Background(), tok); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for token under expired secret, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	codec := testCodec(StaticSecrets{{ID: 1, Value: []byte("primary-secret-0123456789"), Primary: true}}, clk)
	tok, err := codec.Sign(context.Background(), 3)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	clk.Advance(codec.AccessTTL + time.Minute)
	if _, err := codec.VerifyUserID(context.Background(), tok); err != ErrInvalidToken {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
}

func TestSignRequiresPrimary(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	codec := testCodec(StaticSecrets{{ID: 1, Value: []byte("non-primary-secret-01234")}}, clk)
	if _, err := codec.Sign(context.Background(), 1); err != ErrNoPrimary {
		t.Fatalf("expected ErrNoPrimary, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec := testCodec(StaticSecrets{{ID: 1, Value: []byte("primary-secret-0123456789"), Primary: true}}, clock.RealClock{})
	if _, err := codec.VerifyUserID(context.Background(), "not.a.token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
