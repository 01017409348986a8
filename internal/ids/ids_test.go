package ids

import (
	"encoding/base64"
	"testing"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(raw))
	}
	other, _ := Secret(32)
	if other == s {
		t.Fatalf("expected distinct secrets")
	}
}
