package crypto

import (
	"bytes"
	"strings"
	"testing"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealWithKey("hunter2", testKey)
	if err != nil {
		t.Fatalf("SealWithKey returned error: %v", err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Fatalf("expected enc: prefix, got %q", sealed)
	}
	if strings.Contains(sealed, "hunter2") {
		t.Fatal("sealed value leaks plaintext")
	}

	opened, err := OpenWithKey(sealed, testKey)
	if err != nil {
		t.Fatalf("OpenWithKey returned error: %v", err)
	}
	if opened != "hunter2" {
		t.Fatalf("expected hunter2, got %q", opened)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	a, _ := SealWithKey("same", testKey)
	b, _ := SealWithKey("same", testKey)
	if a == b {
		t.Fatal("two seals of the same plaintext must differ (random nonce)")
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, _ := SealWithKey("secret", testKey)
	other := bytes.Repeat([]byte{0x13}, 32)
	if _, err := OpenWithKey(sealed, other); err == nil {
		t.Fatal("expected open with wrong key to fail")
	}
}

func TestOpenPassesThroughUnsealed(t *testing.T) {
	got, err := Open("plain-password")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if got != "plain-password" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestSealWithKeyRejectsBadKey(t *testing.T) {
	if _, err := SealWithKey("x", []byte("short")); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestSealWithoutKeyPassesThrough(t *testing.T) {
	t.Setenv("LOSOCLOUD_CREDENTIAL_KEY", "")
	got, err := Seal("visible")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if got != "visible" {
		t.Fatalf("expected passthrough without key, got %q", got)
	}
}
