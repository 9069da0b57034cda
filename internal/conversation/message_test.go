package conversation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBodyEmpty(t *testing.T) {
	for _, body := range []string{"", "   ", "\n\t ", " "} {
		err := ValidateBody(body)
		if !errors.Is(err, ErrEmptyBody) {
			t.Errorf("ValidateBody(%q): expected ErrEmptyBody, got %v", body, err)
		}
	}
}

func TestValidateBodyOK(t *testing.T) {
	for _, body := range []string{"hi", "  padded  ", "héllo wörld", "👋"} {
		if err := ValidateBody(body); err != nil {
			t.Errorf("ValidateBody(%q): unexpected error: %v", body, err)
		}
	}
}

func TestValidateBodyTooLarge(t *testing.T) {
	if err := ValidateBody(strings.Repeat("a", MaxBodyBytes+1)); err == nil {
		t.Error("expected error for oversized body")
	}
	// Multi-byte runes: under the byte limit but over the rune limit.
	if err := ValidateBody(strings.Repeat("é", MaxBodyChars+1)); err == nil {
		t.Error("expected error for too many characters")
	}
}

func TestValidateBodyInvalidUTF8(t *testing.T) {
	if err := ValidateBody("ok\xff\xfe"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}

func TestMessageKey(t *testing.T) {
	m := Message{Sender: "bob", Recipient: "alice"}
	if m.Key() != NewKey("alice", "bob") {
		t.Errorf("expected message key to be the canonical pair key, got %v", m.Key())
	}
}
