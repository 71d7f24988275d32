package escrow

import (
	"math/big"
	"testing"
)

func TestStatusValid(t *testing.T) {
	for _, status := range []SessionStatus{
		StatusPending, StatusConfirmed, StatusPlaying, StatusSettling,
		StatusCompleted, StatusRefunded, StatusExpired,
	} {
		if !status.Valid() {
			t.Fatalf("status %s reported invalid", status)
		}
	}
	if SessionStatus("LIMBO").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[SessionStatus]bool{
		StatusPending:   false,
		StatusConfirmed: false,
		StatusPlaying:   false,
		StatusSettling:  false,
		StatusCompleted: true,
		StatusRefunded:  true,
		StatusExpired:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]SessionStatus{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusExpired},
		{StatusConfirmed, StatusPlaying},
		{StatusConfirmed, StatusSettling},
		{StatusPlaying, StatusSettling},
		{StatusSettling, StatusCompleted},
		{StatusSettling, StatusRefunded},
		{StatusSettling, StatusPlaying},
		// Refund rollback after a failed broadcast.
		{StatusSettling, StatusConfirmed},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("edge %s -> %s should be allowed", edge[0], edge[1])
		}
	}
	forbidden := [][2]SessionStatus{
		{StatusPending, StatusPlaying},
		{StatusPending, StatusCompleted},
		{StatusConfirmed, StatusExpired},
		{StatusPlaying, StatusConfirmed},
		{StatusCompleted, StatusPlaying},
		{StatusRefunded, StatusConfirmed},
		{StatusExpired, StatusConfirmed},
	}
	for _, edge := range forbidden {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("edge %s -> %s should be rejected", edge[0], edge[1])
		}
	}
}

func TestPayloadEncodeDecode(t *testing.T) {
	payload := &MessagePayload{
		Address:   "oct1PlayerAliceAddress",
		Amount:    big.NewInt(100),
		Username:  "Alice",
		Timestamp: 1_695_000_000,
		TableID:   "T1",
		SeatIndex: 3,
		Nonce:     "a1b2c3d4e5f60718293a4b5c6d7e8f90",
	}
	encoded, err := payload.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Address != payload.Address || decoded.Username != payload.Username ||
		decoded.TableID != payload.TableID || decoded.SeatIndex != payload.SeatIndex ||
		decoded.Nonce != payload.Nonce || decoded.Timestamp != payload.Timestamp {
		t.Fatalf("decoded payload mismatch: %+v", decoded)
	}
	if decoded.Amount.Cmp(payload.Amount) != 0 {
		t.Fatalf("amount = %s, want %s", decoded.Amount, payload.Amount)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	if _, err := DecodePayload("not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := DecodePayload("bm90IGpzb24="); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestSessionClone(t *testing.T) {
	session := &Session{
		SessionID:    "s1",
		BuyInAmount:  big.NewInt(100),
		CurrentStack: big.NewInt(50),
		Payload:      MessagePayload{Amount: big.NewInt(100)},
	}
	clone := session.Clone()
	clone.CurrentStack.SetInt64(999)
	clone.Payload.Amount.SetInt64(1)
	if session.CurrentStack.Cmp(big.NewInt(50)) != 0 {
		t.Fatal("clone aliases CurrentStack")
	}
	if session.Payload.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("clone aliases payload amount")
	}
}
