package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("correct horse", []byte("0123456789abcdef"))
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := []byte(`{"id":"pt-1","family_name":"Rivera"}`)
	enc, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(enc, []byte("Rivera")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plaintext) {
		t.Fatalf("round trip mismatch: got %q", dec)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	c1, _ := NewCipher(DeriveKey("one", salt))
	c2, _ := NewCipher(DeriveKey("two", salt))

	enc, err := c1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c2.Decrypt(enc); err == nil {
		t.Fatal("decrypt with wrong key should fail")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	a := DeriveKey("pass", salt)
	b := DeriveKey("pass", salt)
	if !bytes.Equal(a, b) {
		t.Fatal("same passphrase and salt should derive the same key")
	}
	if len(a) != 32 {
		t.Fatalf("key length: got %d, want 32", len(a))
	}
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("short key should be rejected")
	}
}
