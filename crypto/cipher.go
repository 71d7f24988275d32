package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SeedSize is the length of the signing seed protected by the cipher.
	SeedSize = 32

	kdfIterations = 120_000
	saltSize      = 32
	ivSize        = 12
	tagSize       = 16
)

// ErrDecryptionFailed is returned for every decryption failure. The cause
// (wrong master secret, corrupted ciphertext, tampered tag) is deliberately
// not distinguished.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// EncryptedKeyMaterial holds a session seed at rest. All four fields are
// required together to reconstruct the seed; none is meaningful alone.
type EncryptedKeyMaterial struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	Salt       []byte `json:"salt"`
}

// Clone returns a deep copy so callers can safely hold the material without
// aliasing the stored instance.
func (m *EncryptedKeyMaterial) Clone() *EncryptedKeyMaterial {
	if m == nil {
		return nil
	}
	return &EncryptedKeyMaterial{
		Ciphertext: append([]byte(nil), m.Ciphertext...),
		IV:         append([]byte(nil), m.IV...),
		AuthTag:    append([]byte(nil), m.AuthTag...),
		Salt:       append([]byte(nil), m.Salt...),
	}
}

// Cipher encrypts and decrypts per-session signing seeds under keys derived
// from a process-wide master secret.
type Cipher struct {
	masterSecret []byte
}

// NewCipher constructs a cipher from the master secret. The secret is
// mandatory; length policy (32 characters minimum in production) is enforced
// by the configuration layer before the process reaches this point.
func NewCipher(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("crypto: master secret required")
	}
	return &Cipher{masterSecret: []byte(masterSecret)}, nil
}

// DeriveKey stretches the master secret and session identifier into a 256-bit
// key. PBKDF2-HMAC-SHA512 keeps offline attacks against a leaked key store
// expensive. The caller owns the returned buffer and must Zero it after use.
func (c *Cipher) DeriveKey(sessionID string, salt []byte) []byte {
	password := make([]byte, 0, len(c.masterSecret)+7+len(sessionID))
	password = append(password, c.masterSecret...)
	password = append(password, []byte(":poker:")...)
	password = append(password, []byte(sessionID)...)
	key := pbkdf2.Key(password, salt, kdfIterations, 32, sha512.New)
	Zero(password)
	return key
}

// EncryptSeed seals a signing seed under AES-256-GCM with a fresh salt and IV
// per call. The derived key is zeroed before return.
func (c *Cipher) EncryptSeed(seed []byte, sessionID string) (*EncryptedKeyMaterial, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: read salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: read iv: %w", err)
	}

	key := c.DeriveKey(sessionID, salt)
	defer Zero(key)
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, iv, seed, nil)
	if len(sealed) < tagSize {
		return nil, errors.New("crypto: sealed output shorter than tag")
	}
	split := len(sealed) - tagSize
	return &EncryptedKeyMaterial{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
		Salt:       salt,
	}, nil
}

// DecryptSeed re-derives the key from the stored salt and authenticates and
// decrypts the seed. The caller owns the returned buffer and must Zero it
// after use; the decrypt key is zeroed before return.
func (c *Cipher) DecryptSeed(material *EncryptedKeyMaterial, sessionID string) ([]byte, error) {
	if material == nil {
		return nil, ErrDecryptionFailed
	}
	if len(material.IV) != ivSize || len(material.AuthTag) != tagSize || len(material.Salt) == 0 {
		return nil, ErrDecryptionFailed
	}

	key := c.DeriveKey(sessionID, material.Salt)
	defer Zero(key)
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(material.Ciphertext)+tagSize)
	sealed = append(sealed, material.Ciphertext...)
	sealed = append(sealed, material.AuthTag...)
	seed, err := aead.Open(nil, material.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(seed) != SeedSize {
		Zero(seed)
		return nil, ErrDecryptionFailed
	}
	return seed, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}
