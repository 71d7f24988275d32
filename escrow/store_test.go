package escrow

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"octescrow/crypto"
)

func storeImplementations(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"leveldb": func(t *testing.T) Store {
			store, err := OpenLevelDBStore(filepath.Join(t.TempDir(), "escrow"))
			if err != nil {
				t.Fatalf("OpenLevelDBStore: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func sampleSession(id string) *Session {
	now := time.Unix(1_695_000_000, 0).UTC()
	return &Session{
		SessionID:     id,
		PlayerAddress: "oct1PlayerAliceAddress",
		PlayerName:    "Alice",
		TableID:       "T1",
		SeatIndex:     0,
		BuyInAmount:   big.NewInt(100),
		CurrentStack:  big.NewInt(0),
		WalletAddress: "octEscrowWalletAddressAaaaaaaaaaaaaaaaaaaaaaaaa",
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(10 * time.Minute),
		Payload: MessagePayload{
			Address:   "oct1PlayerAliceAddress",
			Amount:    big.NewInt(100),
			Username:  "Alice",
			Timestamp: now.Unix(),
			TableID:   "T1",
			Nonce:     "0f1e2d3c4b5a69788796a5b4c3d2e1f0",
		},
		EncodedPayload: "eyJ9",
	}
}

func TestStoreSessionRoundTrip(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			session := sampleSession("s1")
			if err := store.PutSession(session); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
			got, ok, err := store.GetSession("s1")
			if err != nil || !ok {
				t.Fatalf("GetSession: ok=%v err=%v", ok, err)
			}
			if got.PlayerAddress != session.PlayerAddress || got.Status != StatusPending {
				t.Fatalf("session mismatch: %+v", got)
			}
			if got.BuyInAmount.Cmp(big.NewInt(100)) != 0 {
				t.Fatalf("buy-in = %s", got.BuyInAmount)
			}
			if got.Payload.Nonce != session.Payload.Nonce {
				t.Fatalf("nonce = %q", got.Payload.Nonce)
			}
			if _, ok, _ := store.GetSession("missing"); ok {
				t.Fatal("missing session reported present")
			}
		})
	}
}

func TestStoreActiveByPlayerAndTable(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			pending := sampleSession("s1")
			if err := store.PutSession(pending); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
			if _, ok, _ := store.ActiveByPlayerAndTable("oct1PlayerAliceAddress", "T1"); ok {
				t.Fatal("pending session reported active")
			}

			confirmed := sampleSession("s2")
			confirmed.Status = StatusConfirmed
			if err := store.PutSession(confirmed); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
			got, ok, err := store.ActiveByPlayerAndTable("oct1PlayerAliceAddress", "T1")
			if err != nil || !ok {
				t.Fatalf("ActiveByPlayerAndTable: ok=%v err=%v", ok, err)
			}
			if got.SessionID != "s2" {
				t.Fatalf("active session = %s, want s2", got.SessionID)
			}
			if _, ok, _ := store.ActiveByPlayerAndTable("oct1PlayerAliceAddress", "T2"); ok {
				t.Fatal("session reported active at wrong table")
			}
		})
	}
}

func TestStoreReplaySets(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			seen, err := store.EnsureNonce("nonce-1")
			if err != nil {
				t.Fatalf("EnsureNonce: %v", err)
			}
			if seen {
				t.Fatal("fresh nonce reported seen")
			}
			seen, err = store.EnsureNonce("nonce-1")
			if err != nil {
				t.Fatalf("EnsureNonce: %v", err)
			}
			if !seen {
				t.Fatal("repeated nonce not reported seen")
			}

			if seen, _ := store.EnsureTxHash("0xabc", TxPurposeDeposit); seen {
				t.Fatal("fresh tx hash reported seen")
			}
			// Purpose does not partition the set: a hash consumed for a
			// deposit can never be consumed again for a claim.
			if seen, _ := store.EnsureTxHash("0xabc", TxPurposeClaim); !seen {
				t.Fatal("repeated tx hash not reported seen")
			}
		})
	}
}

func TestStoreConfirmDeposit(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			session := sampleSession("s1")
			session.Status = StatusConfirmed
			hashSeen, nonceSeen, err := store.ConfirmDeposit(session, "nonce-1", "0xabc")
			if err != nil {
				t.Fatalf("ConfirmDeposit: %v", err)
			}
			if hashSeen || nonceSeen {
				t.Fatalf("fresh entries reported seen: hash=%v nonce=%v", hashSeen, nonceSeen)
			}
			got, ok, _ := store.GetSession("s1")
			if !ok || got.Status != StatusConfirmed {
				t.Fatalf("session not written: ok=%v %+v", ok, got)
			}
			if seen, _ := store.EnsureNonce("nonce-1"); !seen {
				t.Fatal("nonce not consumed by confirm")
			}
			if seen, _ := store.EnsureTxHash("0xabc", TxPurposeDeposit); !seen {
				t.Fatal("tx hash not consumed by confirm")
			}

			// A replayed hash rejects without writing the session or burning
			// the fresh nonce.
			other := sampleSession("s2")
			other.Status = StatusConfirmed
			hashSeen, nonceSeen, err = store.ConfirmDeposit(other, "nonce-2", "0xabc")
			if err != nil || !hashSeen || nonceSeen {
				t.Fatalf("hash replay: hash=%v nonce=%v err=%v", hashSeen, nonceSeen, err)
			}
			if _, ok, _ := store.GetSession("s2"); ok {
				t.Fatal("session written despite hash replay")
			}
			if seen, _ := store.EnsureNonce("nonce-2"); seen {
				t.Fatal("nonce burned by rejected hash replay")
			}

			// Same for a replayed nonce.
			third := sampleSession("s3")
			third.Status = StatusConfirmed
			hashSeen, nonceSeen, err = store.ConfirmDeposit(third, "nonce-1", "0xother")
			if err != nil || hashSeen || !nonceSeen {
				t.Fatalf("nonce replay: hash=%v nonce=%v err=%v", hashSeen, nonceSeen, err)
			}
			if _, ok, _ := store.GetSession("s3"); ok {
				t.Fatal("session written despite nonce replay")
			}
			if seen, _ := store.EnsureTxHash("0xother", TxPurposeDeposit); seen {
				t.Fatal("tx hash burned by rejected nonce replay")
			}
		})
	}
}

func TestStoreFinalizeSession(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			session := sampleSession("s1")
			session.Status = StatusCompleted
			if err := store.FinalizeSession(session, "0xpay", TxPurposeWithdraw); err != nil {
				t.Fatalf("FinalizeSession: %v", err)
			}
			got, ok, _ := store.GetSession("s1")
			if !ok || got.Status != StatusCompleted {
				t.Fatalf("session not written: ok=%v %+v", ok, got)
			}
			if seen, _ := store.EnsureTxHash("0xpay", TxPurposeWithdraw); !seen {
				t.Fatal("tx hash not recorded by finalize")
			}

			// Empty hash writes only the session.
			zero := sampleSession("s2")
			zero.Status = StatusCompleted
			if err := store.FinalizeSession(zero, "", TxPurposeWithdraw); err != nil {
				t.Fatalf("FinalizeSession: %v", err)
			}
			if _, ok, _ := store.GetSession("s2"); !ok {
				t.Fatal("session not written for empty hash")
			}
		})
	}
}

func TestStoreFinalizeWinning(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			winning := &ClaimableWinning{
				ID:            "w1",
				FromSessionID: "s1",
				ToSessionID:   "s2",
				Amount:        big.NewInt(60),
				Claimed:       true,
				ClaimTxHash:   "0xclaim",
				CreatedAt:     time.Unix(1_695_000_000, 0).UTC(),
			}
			if err := store.FinalizeWinning(winning, "0xclaim", TxPurposeClaim); err != nil {
				t.Fatalf("FinalizeWinning: %v", err)
			}
			got, ok, _ := store.GetWinning("w1")
			if !ok || !got.Claimed || got.ClaimTxHash != "0xclaim" {
				t.Fatalf("winning not written: ok=%v %+v", ok, got)
			}
			if seen, _ := store.EnsureTxHash("0xclaim", TxPurposeClaim); !seen {
				t.Fatal("claim hash not recorded by finalize")
			}
			listed, err := store.ListWinnings()
			if err != nil || len(listed) != 1 {
				t.Fatalf("ListWinnings = %v, %v", listed, err)
			}
		})
	}
}

func TestStoreKeyMaterial(t *testing.T) {
	material := &crypto.EncryptedKeyMaterial{
		Ciphertext: []byte{1, 2, 3},
		IV:         []byte{4, 5, 6},
		AuthTag:    []byte{7, 8, 9},
		Salt:       []byte{10, 11, 12},
	}
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			if err := store.PutKeyMaterial("s1", material); err != nil {
				t.Fatalf("PutKeyMaterial: %v", err)
			}
			got, ok, err := store.GetKeyMaterial("s1")
			if err != nil || !ok {
				t.Fatalf("GetKeyMaterial: ok=%v err=%v", ok, err)
			}
			if string(got.Ciphertext) != string(material.Ciphertext) || string(got.Salt) != string(material.Salt) {
				t.Fatalf("material mismatch: %+v", got)
			}
			if err := store.DeleteKeyMaterial("s1"); err != nil {
				t.Fatalf("DeleteKeyMaterial: %v", err)
			}
			if _, ok, _ := store.GetKeyMaterial("s1"); ok {
				t.Fatal("material present after delete")
			}
		})
	}
}

func TestStoreWinnings(t *testing.T) {
	for name, build := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			winning := &ClaimableWinning{
				ID:            "w1",
				FromSessionID: "s1",
				FromAddress:   "octEscrowWalletAddressAaaaaaaaaaaaaaaaaaaaaaaaa",
				ToSessionID:   "s2",
				ToAddress:     "oct1PlayerBobAddress",
				Amount:        big.NewInt(60),
				CreatedAt:     time.Unix(1_695_000_000, 0).UTC(),
			}
			if err := store.PutWinning(winning); err != nil {
				t.Fatalf("PutWinning: %v", err)
			}
			got, ok, err := store.GetWinning("w1")
			if err != nil || !ok {
				t.Fatalf("GetWinning: ok=%v err=%v", ok, err)
			}
			if got.Amount.Cmp(big.NewInt(60)) != 0 || got.Claimed {
				t.Fatalf("winning mismatch: %+v", got)
			}

			bySession, err := store.WinningsFromSession("s1")
			if err != nil {
				t.Fatalf("WinningsFromSession: %v", err)
			}
			if len(bySession) != 1 || bySession[0].ID != "w1" {
				t.Fatalf("WinningsFromSession = %+v", bySession)
			}
			if none, _ := store.WinningsFromSession("s2"); len(none) != 0 {
				t.Fatal("winnings attributed to wrong session")
			}
		})
	}
}

func TestLevelDBStorePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "escrow")
	store, err := OpenLevelDBStore(dir)
	if err != nil {
		t.Fatalf("OpenLevelDBStore: %v", err)
	}
	session := sampleSession("s1")
	session.Status = StatusConfirmed
	if err := store.PutSession(session); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if _, err := store.EnsureNonce("nonce-1"); err != nil {
		t.Fatalf("EnsureNonce: %v", err)
	}
	if _, err := store.EnsureTxHash("0xabc", TxPurposeDeposit); err != nil {
		t.Fatalf("EnsureTxHash: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenLevelDBStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.GetSession("s1")
	if err != nil || !ok {
		t.Fatalf("GetSession after reopen: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("status after reopen = %s", got.Status)
	}
	if seen, _ := reopened.EnsureNonce("nonce-1"); !seen {
		t.Fatal("nonce lost across restart")
	}
	if seen, _ := reopened.EnsureTxHash("0xabc", TxPurposeWithdraw); !seen {
		t.Fatal("tx hash lost across restart")
	}
}
