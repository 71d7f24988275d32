package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher("unit-test-master-secret-0123456789abcdef")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func randomSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return seed
}

func TestNewCipherRequiresSecret(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty master secret")
	}
}

func TestSeedRoundTrip(t *testing.T) {
	c := testCipher(t)
	for _, sessionID := range []string{"s-1", "b2c5e1fa-9f2d-4e52-a416-2f31b3f2a001", ""} {
		seed := randomSeed(t)
		want := append([]byte(nil), seed...)

		material, err := c.EncryptSeed(seed, sessionID)
		if err != nil {
			t.Fatalf("EncryptSeed(%q): %v", sessionID, err)
		}
		got, err := c.DecryptSeed(material, sessionID)
		if err != nil {
			t.Fatalf("DecryptSeed(%q): %v", sessionID, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip mismatch for session %q", sessionID)
		}
	}
}

func TestEncryptSeedRejectsWrongLength(t *testing.T) {
	c := testCipher(t)
	if _, err := c.EncryptSeed(make([]byte, 16), "sid"); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestEncryptSeedFreshSaltAndIV(t *testing.T) {
	c := testCipher(t)
	seed := randomSeed(t)
	first, err := c.EncryptSeed(seed, "sid")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	second, err := c.EncryptSeed(seed, "sid")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	if bytes.Equal(first.Salt, second.Salt) {
		t.Fatal("salt reused across encryptions")
	}
	if bytes.Equal(first.IV, second.IV) {
		t.Fatal("iv reused across encryptions")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatal("ciphertext identical across encryptions")
	}
}

func TestDecryptSeedMismatchedSession(t *testing.T) {
	c := testCipher(t)
	material, err := c.EncryptSeed(randomSeed(t), "session-a")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	_, err = c.DecryptSeed(material, "session-b")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptSeedCorruption(t *testing.T) {
	c := testCipher(t)
	corruptions := map[string]func(*EncryptedKeyMaterial){
		"authTag":    func(m *EncryptedKeyMaterial) { m.AuthTag[0] ^= 0xFF },
		"ciphertext": func(m *EncryptedKeyMaterial) { m.Ciphertext[0] ^= 0xFF },
		"salt":       func(m *EncryptedKeyMaterial) { m.Salt[0] ^= 0xFF },
		"iv":         func(m *EncryptedKeyMaterial) { m.IV[0] ^= 0xFF },
	}
	for name, corrupt := range corruptions {
		material, err := c.EncryptSeed(randomSeed(t), "sid")
		if err != nil {
			t.Fatalf("EncryptSeed: %v", err)
		}
		corrupt(material)
		if _, err := c.DecryptSeed(material, "sid"); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("corrupted %s: expected ErrDecryptionFailed, got %v", name, err)
		}
	}
}

func TestDecryptSeedWrongMasterSecret(t *testing.T) {
	c := testCipher(t)
	material, err := c.EncryptSeed(randomSeed(t), "sid")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	other, err := NewCipher("another-master-secret-that-does-not-match")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := other.DecryptSeed(material, "sid"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestWithSeedZeroesPlaintext(t *testing.T) {
	c := testCipher(t)
	material, err := c.EncryptSeed(randomSeed(t), "sid")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	var captured []byte
	err = c.WithSeed(material, "sid", func(seed []byte) error {
		captured = seed
		if len(seed) != SeedSize {
			t.Fatalf("unexpected seed length %d", len(seed))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSeed: %v", err)
	}
	if !bytes.Equal(captured, make([]byte, SeedSize)) {
		t.Fatal("seed buffer not zeroed after WithSeed")
	}
}

func TestWithSeedZeroesOnError(t *testing.T) {
	c := testCipher(t)
	material, err := c.EncryptSeed(randomSeed(t), "sid")
	if err != nil {
		t.Fatalf("EncryptSeed: %v", err)
	}
	var captured []byte
	wantErr := errors.New("broadcast down")
	err = c.WithSeed(material, "sid", func(seed []byte) error {
		captured = seed
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if !bytes.Equal(captured, make([]byte, SeedSize)) {
		t.Fatal("seed buffer not zeroed after failed WithSeed")
	}
}
