package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestAESEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := []byte(`{"amount": 42}`)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestNewAESEncryptor_RejectsBadKeySize(t *testing.T) {
	if _, err := NewAESEncryptor([]byte("short")); err == nil {
		t.Fatal("expected an error for an invalid key size")
	}
}

func TestDecrypt_RejectsUnknownVersion(t *testing.T) {
	enc, _ := NewAESEncryptor([]byte("0123456789abcdef"))
	if _, err := enc.Decrypt([]byte{0xFF, 1, 2, 3}); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecrypt_RejectsEmptyInput(t *testing.T) {
	enc, _ := NewAESEncryptor([]byte("0123456789abcdef"))
	if _, err := enc.Decrypt(nil); !errors.Is(err, ErrEmptyCiphertext) {
		t.Fatalf("expected ErrEmptyCiphertext, got %v", err)
	}
}
