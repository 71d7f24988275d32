package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"octescrow/crypto"
)

const (
	sessionKeyPrefix = "session:"
	keyMatPrefix     = "keymat:"
	nonceKeyPrefix   = "nonce:"
	txHashKeyPrefix  = "txhash:"
	winningKeyPrefix = "winning:"
)

// LevelDBStore is the persistent Store implementation. Sessions, key
// material and winnings are stored as JSON documents; the replay sets are
// plain membership keys so they survive restarts.
type LevelDBStore struct {
	db *leveldb.DB

	// replayMu serializes check-and-set on the replay sets. A transaction
	// hash can be presented for two different sessions concurrently, so the
	// per-session engine locks are not enough here.
	replayMu sync.Mutex
}

// OpenLevelDBStore opens (or creates) the escrow database at the provided
// path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: leveldb store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("escrow: resolve store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("escrow: open store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBStore) putJSON(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("escrow: encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("escrow: write %s: %w", key, err)
	}
	return nil
}

func (s *LevelDBStore) getJSON(key string, out interface{}) (bool, error) {
	raw, err := s.db.Get([]byte(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("escrow: read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("escrow: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *LevelDBStore) PutSession(session *Session) error {
	return s.putJSON(sessionKeyPrefix+session.SessionID, session)
}

func (s *LevelDBStore) GetSession(sessionID string) (*Session, bool, error) {
	session := &Session{}
	ok, err := s.getJSON(sessionKeyPrefix+sessionID, session)
	if err != nil || !ok {
		return nil, false, err
	}
	return session, true, nil
}

func (s *LevelDBStore) ListSessions() ([]*Session, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sessionKeyPrefix)), nil)
	defer iter.Release()
	out := make([]*Session, 0)
	for iter.Next() {
		session := &Session{}
		if err := json.Unmarshal(iter.Value(), session); err != nil {
			return nil, fmt.Errorf("escrow: decode %s: %w", iter.Key(), err)
		}
		out = append(out, session)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("escrow: iterate sessions: %w", err)
	}
	return out, nil
}

func (s *LevelDBStore) ActiveByPlayerAndTable(playerAddress, tableID string) (*Session, bool, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, false, err
	}
	for _, session := range sessions {
		if session.PlayerAddress != playerAddress || session.TableID != tableID {
			continue
		}
		if session.Status == StatusConfirmed || session.Status == StatusPlaying {
			return session, true, nil
		}
	}
	return nil, false, nil
}

func (s *LevelDBStore) PutKeyMaterial(sessionID string, material *crypto.EncryptedKeyMaterial) error {
	return s.putJSON(keyMatPrefix+sessionID, material)
}

func (s *LevelDBStore) GetKeyMaterial(sessionID string) (*crypto.EncryptedKeyMaterial, bool, error) {
	material := &crypto.EncryptedKeyMaterial{}
	ok, err := s.getJSON(keyMatPrefix+sessionID, material)
	if err != nil || !ok {
		return nil, false, err
	}
	return material, true, nil
}

func (s *LevelDBStore) DeleteKeyMaterial(sessionID string) error {
	if err := s.db.Delete([]byte(keyMatPrefix+sessionID), nil); err != nil {
		return fmt.Errorf("escrow: delete key material: %w", err)
	}
	return nil
}

func (s *LevelDBStore) EnsureNonce(nonce string) (bool, error) {
	return s.ensureMember(nonceKeyPrefix+nonce, nil)
}

func (s *LevelDBStore) EnsureTxHash(hash string, purpose TxPurpose) (bool, error) {
	return s.ensureMember(txHashKeyPrefix+hash, []byte(purpose))
}

// ConfirmDeposit batches the session write with both replay entries so a
// crash or write failure can never leave the nonce or hash consumed without
// the CONFIRMED session that consumed them.
func (s *LevelDBStore) ConfirmDeposit(session *Session, nonce, txHash string) (bool, bool, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	hashKey := []byte(txHashKeyPrefix + txHash)
	seen, err := s.db.Has(hashKey, nil)
	if err != nil {
		return false, false, fmt.Errorf("escrow: read %s: %w", hashKey, err)
	}
	if seen {
		return true, false, nil
	}
	nonceKey := []byte(nonceKeyPrefix + nonce)
	seen, err = s.db.Has(nonceKey, nil)
	if err != nil {
		return false, false, fmt.Errorf("escrow: read %s: %w", nonceKey, err)
	}
	if seen {
		return false, true, nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return false, false, fmt.Errorf("escrow: encode session %s: %w", session.SessionID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(sessionKeyPrefix+session.SessionID), raw)
	batch.Put(nonceKey, nil)
	batch.Put(hashKey, []byte(TxPurposeDeposit))
	if err := s.db.Write(batch, nil); err != nil {
		return false, false, fmt.Errorf("escrow: confirm deposit %s: %w", session.SessionID, err)
	}
	return false, false, nil
}

// FinalizeSession batches the session write with its transaction hash entry.
func (s *LevelDBStore) FinalizeSession(session *Session, txHash string, purpose TxPurpose) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("escrow: encode session %s: %w", session.SessionID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(sessionKeyPrefix+session.SessionID), raw)
	if txHash != "" {
		s.replayMu.Lock()
		defer s.replayMu.Unlock()
		hashKey := []byte(txHashKeyPrefix + txHash)
		has, hasErr := s.db.Has(hashKey, nil)
		if hasErr != nil {
			return fmt.Errorf("escrow: read %s: %w", hashKey, hasErr)
		}
		if !has {
			batch.Put(hashKey, []byte(purpose))
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("escrow: finalize session %s: %w", session.SessionID, err)
	}
	return nil
}

// FinalizeWinning batches the winning write with its claim hash entry.
func (s *LevelDBStore) FinalizeWinning(winning *ClaimableWinning, txHash string, purpose TxPurpose) error {
	raw, err := json.Marshal(winning)
	if err != nil {
		return fmt.Errorf("escrow: encode winning %s: %w", winning.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(winningKeyPrefix+winning.ID), raw)
	if txHash != "" {
		s.replayMu.Lock()
		defer s.replayMu.Unlock()
		hashKey := []byte(txHashKeyPrefix + txHash)
		has, hasErr := s.db.Has(hashKey, nil)
		if hasErr != nil {
			return fmt.Errorf("escrow: read %s: %w", hashKey, hasErr)
		}
		if !has {
			batch.Put(hashKey, []byte(purpose))
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("escrow: finalize winning %s: %w", winning.ID, err)
	}
	return nil
}

// ensureMember inserts a membership key if absent and reports whether it was
// already present.
func (s *LevelDBStore) ensureMember(key string, value []byte) (bool, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	has, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, fmt.Errorf("escrow: read %s: %w", key, err)
	}
	if has {
		return true, nil
	}
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return false, fmt.Errorf("escrow: write %s: %w", key, err)
	}
	return false, nil
}

func (s *LevelDBStore) PutWinning(winning *ClaimableWinning) error {
	return s.putJSON(winningKeyPrefix+winning.ID, winning)
}

func (s *LevelDBStore) GetWinning(id string) (*ClaimableWinning, bool, error) {
	winning := &ClaimableWinning{}
	ok, err := s.getJSON(winningKeyPrefix+id, winning)
	if err != nil || !ok {
		return nil, false, err
	}
	return winning, true, nil
}

func (s *LevelDBStore) WinningsFromSession(fromSessionID string) ([]*ClaimableWinning, error) {
	winnings, err := s.ListWinnings()
	if err != nil {
		return nil, err
	}
	out := make([]*ClaimableWinning, 0)
	for _, w := range winnings {
		if w.FromSessionID == fromSessionID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *LevelDBStore) ListWinnings() ([]*ClaimableWinning, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(winningKeyPrefix)), nil)
	defer iter.Release()
	out := make([]*ClaimableWinning, 0)
	for iter.Next() {
		winning := &ClaimableWinning{}
		if err := json.Unmarshal(iter.Value(), winning); err != nil {
			return nil, fmt.Errorf("escrow: decode %s: %w", iter.Key(), err)
		}
		out = append(out, winning)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("escrow: iterate winnings: %w", err)
	}
	return out, nil
}
