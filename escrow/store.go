package escrow

import (
	"sync"

	"octescrow/crypto"
)

// Store owns the authoritative state of every buy-in session: the sessions
// themselves, their encrypted key material, the replay-protection sets and
// the claimable-winnings ledger. All engine operations read and write through
// the store on every call; nothing is cached across calls.
type Store interface {
	PutSession(session *Session) error
	GetSession(sessionID string) (*Session, bool, error)
	ListSessions() ([]*Session, error)
	// ActiveByPlayerAndTable returns the player's CONFIRMED or PLAYING
	// session at the table, preventing a second simultaneous escrow.
	ActiveByPlayerAndTable(playerAddress, tableID string) (*Session, bool, error)

	PutKeyMaterial(sessionID string, material *crypto.EncryptedKeyMaterial) error
	GetKeyMaterial(sessionID string) (*crypto.EncryptedKeyMaterial, bool, error)
	DeleteKeyMaterial(sessionID string) error

	// EnsureNonce records the nonce if it has not been observed before and
	// reports whether it already existed. Membership is write-once.
	EnsureNonce(nonce string) (bool, error)
	// EnsureTxHash records a chain transaction hash with its purpose and
	// reports whether it already existed, regardless of purpose.
	EnsureTxHash(hash string, purpose TxPurpose) (bool, error)

	// ConfirmDeposit writes the confirmed session together with its consumed
	// nonce and deposit transaction hash in one atomic store write. When
	// either replay entry already exists nothing is written and the matching
	// flag is set, so a rejected replay never consumes the session's own
	// entries.
	ConfirmDeposit(session *Session, nonce, txHash string) (hashSeen, nonceSeen bool, err error)
	// FinalizeSession writes the session and, when txHash is non-empty, its
	// transaction hash replay entry in one atomic store write.
	FinalizeSession(session *Session, txHash string, purpose TxPurpose) error
	// FinalizeWinning writes the winning and its claim transaction hash
	// replay entry in one atomic store write.
	FinalizeWinning(winning *ClaimableWinning, txHash string, purpose TxPurpose) error

	PutWinning(winning *ClaimableWinning) error
	GetWinning(id string) (*ClaimableWinning, bool, error)
	WinningsFromSession(fromSessionID string) ([]*ClaimableWinning, error)
	ListWinnings() ([]*ClaimableWinning, error)

	Close() error
}

// MemoryStore is a mutex-guarded in-memory Store for tests and embedded use.
// The replay sets obviously do not survive restarts; production deployments
// use the LevelDB store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	keys     map[string]*crypto.EncryptedKeyMaterial
	nonces   map[string]struct{}
	txHashes map[string]TxPurpose
	winnings map[string]*ClaimableWinning
	order    []string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		keys:     make(map[string]*crypto.EncryptedKeyMaterial),
		nonces:   make(map[string]struct{}),
		txHashes: make(map[string]TxPurpose),
		winnings: make(map[string]*ClaimableWinning),
	}
}

func (s *MemoryStore) PutSession(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(sessionID string) (*Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	return session.Clone(), true, nil
}

func (s *MemoryStore) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ActiveByPlayerAndTable(playerAddress, tableID string) (*Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.PlayerAddress != playerAddress || session.TableID != tableID {
			continue
		}
		if session.Status == StatusConfirmed || session.Status == StatusPlaying {
			return session.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) PutKeyMaterial(sessionID string, material *crypto.EncryptedKeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[sessionID] = material.Clone()
	return nil
}

func (s *MemoryStore) GetKeyMaterial(sessionID string) (*crypto.EncryptedKeyMaterial, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	material, ok := s.keys[sessionID]
	if !ok {
		return nil, false, nil
	}
	return material.Clone(), true, nil
}

func (s *MemoryStore) DeleteKeyMaterial(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, sessionID)
	return nil
}

func (s *MemoryStore) EnsureNonce(nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[nonce]; ok {
		return true, nil
	}
	s.nonces[nonce] = struct{}{}
	return false, nil
}

func (s *MemoryStore) EnsureTxHash(hash string, purpose TxPurpose) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txHashes[hash]; ok {
		return true, nil
	}
	s.txHashes[hash] = purpose
	return false, nil
}

func (s *MemoryStore) ConfirmDeposit(session *Session, nonce, txHash string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txHashes[txHash]; ok {
		return true, false, nil
	}
	if _, ok := s.nonces[nonce]; ok {
		return false, true, nil
	}
	s.sessions[session.SessionID] = session.Clone()
	s.nonces[nonce] = struct{}{}
	s.txHashes[txHash] = TxPurposeDeposit
	return false, false, nil
}

func (s *MemoryStore) FinalizeSession(session *Session, txHash string, purpose TxPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session.Clone()
	if txHash != "" {
		if _, ok := s.txHashes[txHash]; !ok {
			s.txHashes[txHash] = purpose
		}
	}
	return nil
}

func (s *MemoryStore) FinalizeWinning(winning *ClaimableWinning, txHash string, purpose TxPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.winnings[winning.ID]; !ok {
		s.order = append(s.order, winning.ID)
	}
	s.winnings[winning.ID] = winning.Clone()
	if txHash != "" {
		if _, ok := s.txHashes[txHash]; !ok {
			s.txHashes[txHash] = purpose
		}
	}
	return nil
}

func (s *MemoryStore) PutWinning(winning *ClaimableWinning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.winnings[winning.ID]; !ok {
		s.order = append(s.order, winning.ID)
	}
	s.winnings[winning.ID] = winning.Clone()
	return nil
}

func (s *MemoryStore) GetWinning(id string) (*ClaimableWinning, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	winning, ok := s.winnings[id]
	if !ok {
		return nil, false, nil
	}
	return winning.Clone(), true, nil
}

func (s *MemoryStore) WinningsFromSession(fromSessionID string) ([]*ClaimableWinning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClaimableWinning, 0)
	for _, id := range s.order {
		if w := s.winnings[id]; w != nil && w.FromSessionID == fromSessionID {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListWinnings() ([]*ClaimableWinning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClaimableWinning, 0, len(s.order))
	for _, id := range s.order {
		if w := s.winnings[id]; w != nil {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// Close satisfies the Store interface for the in-memory implementation.
func (s *MemoryStore) Close() error { return nil }
