package codec

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-secret")

	blob, err := c.Encrypt("super-secret-refresh-token", "acct-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := c.Decrypt(blob, "acct-1")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "super-secret-refresh-token" {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	c := New("test-secret")

	blob, err := c.Encrypt("payload", "acct-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := blob[:len(blob)-2] + "00"
	if _, err := c.Decrypt(tampered, "acct-1"); err == nil {
		t.Fatal("expected decrypt to fail on tampered ciphertext")
	}
}

func TestDecryptFailsOnSaltMismatch(t *testing.T) {
	c := New("test-secret")

	blob, err := c.Encrypt("payload", "acct-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := c.Decrypt(blob, "acct-2"); err == nil {
		t.Fatal("expected decrypt to fail under a different salt-derived key")
	}
}

func TestDecryptFailsOnMalformedBlob(t *testing.T) {
	c := New("test-secret")
	if _, err := c.Decrypt("not-a-valid-blob", "acct-1"); err == nil {
		t.Fatal("expected decrypt to fail on malformed input")
	}
}
