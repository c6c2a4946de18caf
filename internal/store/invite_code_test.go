package store

import (
	"strings"
	"testing"
)

func TestNewInviteCode_FormatAndAlphabet(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := newInviteCode()
		if err != nil {
			t.Fatalf("newInviteCode: %v", err)
		}
		if len(code) != inviteCodeLength {
			t.Fatalf("expected %d characters, got %q", inviteCodeLength, code)
		}
		if code != strings.ToUpper(code) {
			t.Fatalf("expected uppercase code, got %q", code)
		}
		for _, ch := range code {
			if !strings.ContainsRune(inviteCodeAlphabet, ch) {
				t.Fatalf("code %q contains %q outside the allowed alphabet", code, ch)
			}
		}
		seen[code] = true
	}
	// Not a collision guarantee, just a sanity check that codes vary.
	if len(seen) < 50 {
		t.Fatalf("expected varied codes, got %d distinct out of 100", len(seen))
	}
}
