package crypto

// Zero overwrites the buffer with zeros. Callers must invoke it on every
// plaintext seed or derived key before the buffer goes out of scope; the
// garbage collector gives no timing guarantee.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithSeed decrypts the session seed, hands it to fn and guarantees the
// plaintext is zeroed on every exit path, including a panic inside fn.
func (c *Cipher) WithSeed(material *EncryptedKeyMaterial, sessionID string, fn func(seed []byte) error) error {
	seed, err := c.DecryptSeed(material, sessionID)
	if err != nil {
		return err
	}
	defer Zero(seed)
	return fn(seed)
}
