package database

import (
	"strings"
	"testing"
)

func TestHashAndCheckPIN(t *testing.T) {
	hash, err := HashPIN("4823")
	if err != nil {
		t.Fatalf("HashPIN: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash = %q, want argon2id encoding", hash)
	}

	ok, err := CheckPIN("4823", hash)
	if err != nil {
		t.Fatalf("CheckPIN: %v", err)
	}
	if !ok {
		t.Error("correct PIN did not verify")
	}

	ok, err = CheckPIN("0000", hash)
	if err != nil {
		t.Fatalf("CheckPIN (wrong): %v", err)
	}
	if ok {
		t.Error("wrong PIN verified")
	}
}

func TestHashPINUniqueSalt(t *testing.T) {
	a, err := HashPIN("4823")
	if err != nil {
		t.Fatalf("HashPIN: %v", err)
	}
	b, err := HashPIN("4823")
	if err != nil {
		t.Fatalf("HashPIN: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same PIN must differ by salt")
	}
}

func TestCheckPINRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$not-base64!$aGFzaA",
	} {
		if _, err := CheckPIN("4823", encoded); err == nil {
			t.Errorf("CheckPIN(%q) accepted a malformed hash", encoded)
		}
	}
}
