package capability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/capability"
	"github.com/basket/worldgate/internal/world"
	"github.com/golang-jwt/jwt/v5"
)

var key = world.Key{GameKey: "tag", WorldID: world.PublicWorldID("tag")}

func newIssuer(t *testing.T, now func() time.Time) *capability.Issuer {
	t.Helper()
	iss, err := capability.New(capability.Config{Secret: []byte("test-secret"), TTL: 15 * time.Minute, Now: now})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	iss := newIssuer(t, func() time.Time { return now })

	token, err := iss.Issue("player-1", key, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Verify(token, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "player-1" || claims.Key != key {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("expires at %s", claims.ExpiresAt)
	}
}

func TestVerifyRejectsOtherWorld(t *testing.T) {
	iss := newIssuer(t, nil)
	token, _ := iss.Issue("player-1", key, 0)

	other := world.Key{GameKey: "tag", WorldID: "world_tag_private"}
	if _, err := iss.Verify(token, other); !errors.Is(err, capability.ErrWrongWorld) {
		t.Fatalf("expected ErrWrongWorld, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	iss := newIssuer(t, func() time.Time { return now })
	token, _ := iss.Issue("player-1", key, time.Minute)

	now = now.Add(2 * time.Minute)
	if _, err := iss.Verify(token, key); !errors.Is(err, capability.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	iss := newIssuer(t, nil)
	token, _ := iss.Issue("player-1", key, 0)

	other, _ := capability.New(capability.Config{Secret: []byte("other-secret")})
	if _, err := other.Verify(token, key); !errors.Is(err, capability.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	iss := newIssuer(t, nil)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":     "player-1",
		"gameKey": key.GameKey,
		"worldId": key.WorldID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := iss.Verify(token, key); !errors.Is(err, capability.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	iss := newIssuer(t, nil)
	if _, err := iss.Issue("", key, 0); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := iss.Issue("p", world.Key{GameKey: "tag"}, 0); err == nil {
		t.Fatal("expected error for incomplete key")
	}
	if _, err := capability.New(capability.Config{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
