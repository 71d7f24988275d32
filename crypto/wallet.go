package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable prefix carried by every Octane escrow
// address.
const AddressPrefix = "oct"

// AddressLength is the fixed total address length, prefix included.
const AddressLength = 47

const maxWalletAttempts = 100

// ErrWalletGenerationFailed indicates the retry loop exhausted its attempt
// budget. Under a correct hash/base58 encoding the probability of this is
// negligible, so a persistent failure points at an encoding bug rather than
// bad luck.
var ErrWalletGenerationFailed = errors.New("crypto: wallet generation failed")

// ValidAddress reports whether s has the Octane escrow address shape.
func ValidAddress(s string) bool {
	return len(s) == AddressLength && strings.HasPrefix(s, AddressPrefix)
}

// Generator produces per-session escrow wallets whose seeds only ever exist
// in plaintext inside NewSessionWallet.
type Generator struct {
	cipher *Cipher
}

// NewGenerator wires a wallet generator to the seed cipher.
func NewGenerator(cipher *Cipher) *Generator {
	return &Generator{cipher: cipher}
}

// NewSessionWallet draws a fresh random seed, derives a secp256k1 keypair and
// the public escrow address, and retries with a new seed until the address
// encodes to the fixed 47-character form. The seed is encrypted before the
// call returns and the plaintext copy is zeroed.
func (g *Generator) NewSessionWallet(sessionID string) (string, *EncryptedKeyMaterial, error) {
	seed := make([]byte, SeedSize)
	defer Zero(seed)
	for attempt := 0; attempt < maxWalletAttempts; attempt++ {
		if _, err := rand.Read(seed); err != nil {
			return "", nil, err
		}
		addr, ok := AddressFromSeed(seed)
		if !ok {
			continue
		}
		material, err := g.cipher.EncryptSeed(seed, sessionID)
		if err != nil {
			return "", nil, err
		}
		return addr, material, nil
	}
	return "", nil, ErrWalletGenerationFailed
}

// AddressFromSeed derives the escrow address controlled by the given signing
// seed. The second return value is false when the base58 encoding does not
// land on the fixed address length and the caller should retry with a fresh
// seed.
func AddressFromSeed(seed []byte) (string, bool) {
	priv, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		// Seed is not a valid scalar for the curve; treat as a retry.
		return "", false
	}
	pub := ethcrypto.CompressPubkey(&priv.PublicKey)
	digest := sha256.Sum256(pub)
	addr := AddressPrefix + base58.Encode(digest[:])
	if len(addr) != AddressLength {
		return "", false
	}
	return addr, true
}
