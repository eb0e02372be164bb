package secure

import (
	"bytes"
	"errors"
	"testing"

	"ledgerstore/internal/models"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	codec := NewCodec()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("GET:#:Invoice:#:1"),
		[]byte(`{"id":"42","total":10.5}`),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, want := range plaintexts {
		for _, extended := range []bool{false, true} {
			msg, err := codec.Encrypt("alice", want, "secret", salt, extended)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			if msg.Username != "alice" {
				t.Errorf("username = %q; want alice", msg.Username)
			}
			if msg.UsesExtendedKeyLength != extended {
				t.Errorf("extended = %v; want %v", msg.UsesExtendedKeyLength, extended)
			}
			got, err := codec.Decrypt(msg, "secret")
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("round trip = %q; want %q", got, want)
			}
		}
	}
}

func TestDecrypt_WrongSecret(t *testing.T) {
	codec := NewCodec()
	salt, _ := NewSalt()
	msg, err := codec.Encrypt("alice", []byte("payload"), "secret", salt, false)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Wrong secret must never yield the plaintext. Garbage whose last
	// block happens to look like valid padding slips past the padding
	// check, so assert on the payload rather than the error alone.
	got, err := codec.Decrypt(msg, "not-the-secret")
	if err == nil && bytes.Equal(got, []byte("payload")) {
		t.Error("decrypt with wrong secret returned the plaintext")
	}
	if err != nil && !errors.Is(err, ErrDecrypt) {
		t.Errorf("decrypt with wrong secret: err = %v; want ErrDecrypt", err)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	codec := NewCodec()
	salt, _ := NewSalt()

	cases := map[string]func(m *models.SecureMessage){
		"bad ciphertext base64": func(m *models.SecureMessage) { m.Ciphertext = "%%%" },
		"bad iv base64":         func(m *models.SecureMessage) { m.IV = "%%%" },
		"bad salt base64":       func(m *models.SecureMessage) { m.Salt = "%%%" },
		"empty ciphertext":      func(m *models.SecureMessage) { m.Ciphertext = "" },
		"truncated ciphertext":  func(m *models.SecureMessage) { m.Ciphertext = "AAAA" },
	}
	for name, corrupt := range cases {
		msg, err := codec.Encrypt("alice", []byte("payload"), "secret", salt, false)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		corrupt(msg)
		if _, err := codec.Decrypt(msg, "secret"); !errors.Is(err, ErrDecrypt) {
			t.Errorf("%s: err = %v; want ErrDecrypt", name, err)
		}
	}
}

func TestDeriveKey_CachedPerSalt(t *testing.T) {
	codec := NewCodec()
	saltA, _ := NewSalt()
	saltB, _ := NewSalt()

	keyA1 := codec.deriveKey("secret", saltA, false)
	keyA2 := codec.deriveKey("secret", saltA, false)
	keyB := codec.deriveKey("secret", saltB, false)

	if !bytes.Equal(keyA1, keyA2) {
		t.Error("same secret and salt should derive the same key")
	}
	if bytes.Equal(keyA1, keyB) {
		t.Error("a different salt must derive a different key")
	}
	if len(keyA1) != 16 {
		t.Errorf("standard key length = %d; want 16", len(keyA1))
	}
	if ext := codec.deriveKey("secret", saltA, true); len(ext) != 32 {
		t.Errorf("extended key length = %d; want 32", len(ext))
	}
}

func TestPKCS7_Unpad(t *testing.T) {
	if _, ok := pkcs7Unpad([]byte{1, 2, 3}, 16); ok {
		t.Error("unpad of non-block-aligned data should fail")
	}
	if _, ok := pkcs7Unpad(bytes.Repeat([]byte{0}, 16), 16); ok {
		t.Error("unpad with zero padding byte should fail")
	}
	data := pkcs7Pad([]byte("abc"), 16)
	got, ok := pkcs7Unpad(data, 16)
	if !ok || string(got) != "abc" {
		t.Errorf("unpad = %q, %v; want abc, true", got, ok)
	}
}
