package escrow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// SessionStatus represents the lifecycle states of a buy-in escrow session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusConfirmed SessionStatus = "CONFIRMED"
	StatusPlaying   SessionStatus = "PLAYING"
	StatusSettling  SessionStatus = "SETTLING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusRefunded  SessionStatus = "REFUNDED"
	StatusExpired   SessionStatus = "EXPIRED"
)

// Valid reports whether the status value is within the supported range.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPlaying, StatusSettling,
		StatusCompleted, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// TxPurpose tags entries in the used-transaction-hash replay set.
type TxPurpose string

const (
	TxPurposeDeposit  TxPurpose = "deposit"
	TxPurposeWithdraw TxPurpose = "withdraw"
	TxPurposeClaim    TxPurpose = "claim"
)

// MessagePayload is the signed intent the player embeds in the on-chain
// deposit transaction. The chain verifier decodes the same canonical
// encoding to bind a transaction to exactly one session.
type MessagePayload struct {
	Address   string   `json:"address"`
	Amount    *big.Int `json:"amount"`
	Username  string   `json:"username"`
	Timestamp int64    `json:"timestamp"`
	TableID   string   `json:"tableId"`
	SeatIndex int      `json:"seatIndex"`
	Nonce     string   `json:"nonce"`
}

// Encode serializes the payload to canonical JSON wrapped in base64 for
// embedding in a chain deposit instruction.
func (p *MessagePayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("escrow: encode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses MessagePayload.Encode.
func DecodePayload(encoded string) (*MessagePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode payload: %w", err)
	}
	payload := &MessagePayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("escrow: decode payload: %w", err)
	}
	return payload, nil
}

// Session captures one buy-in attempt from quote through settlement. Context
// fields captured at quote time are immutable; the engine mutates only the
// status, stack and settlement fields, always through the store.
type Session struct {
	SessionID     string `json:"sessionId"`
	PlayerAddress string `json:"playerAddress"`
	PlayerName    string `json:"playerName"`
	TableID       string `json:"tableId"`
	SeatIndex     int    `json:"seatIndex"`

	BuyInAmount   *big.Int `json:"buyInAmount"`
	CurrentStack  *big.Int `json:"currentStack"`
	WalletAddress string   `json:"walletAddress"`

	DepositTxHash      string    `json:"depositTxHash,omitempty"`
	DepositConfirmedAt time.Time `json:"depositConfirmedAt,omitempty"`

	FinalStack       *big.Int  `json:"finalStack,omitempty"`
	SettlementTxHash string    `json:"settlementTxHash,omitempty"`
	SettledAt        time.Time `json:"settledAt,omitempty"`

	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`

	Payload        MessagePayload `json:"messagePayload"`
	EncodedPayload string         `json:"encodedPayload"`
}

// Clone returns a deep copy so callers can safely mutate the result without
// touching the stored instance.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.BuyInAmount = cloneBigInt(s.BuyInAmount)
	clone.CurrentStack = cloneBigInt(s.CurrentStack)
	if s.FinalStack != nil {
		clone.FinalStack = new(big.Int).Set(s.FinalStack)
	}
	if s.Payload.Amount != nil {
		clone.Payload.Amount = new(big.Int).Set(s.Payload.Amount)
	}
	return &clone
}

// ClaimableWinning records a cross-session debt: the losing session's escrow
// wallet owes the named amount to the winning session's player. Entries are
// append-only; claiming flips the claimed flag exactly once.
type ClaimableWinning struct {
	ID            string    `json:"id"`
	FromSessionID string    `json:"fromSessionId"`
	FromAddress   string    `json:"fromAddress"`
	ToSessionID   string    `json:"toSessionId"`
	ToAddress     string    `json:"toAddress"`
	Amount        *big.Int  `json:"amount"`
	Claimed       bool      `json:"claimed"`
	ClaimTxHash   string    `json:"claimTxHash,omitempty"`
	ClaimedAt     time.Time `json:"claimedAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the winning record.
func (w *ClaimableWinning) Clone() *ClaimableWinning {
	if w == nil {
		return nil
	}
	clone := *w
	clone.Amount = cloneBigInt(w.Amount)
	return &clone
}

// Stats aggregates session counts by status for the table manager's
// monitoring surface.
type Stats struct {
	Total     int                   `json:"total"`
	ByStatus  map[SessionStatus]int `json:"byStatus"`
	Unclaimed int                   `json:"unclaimedWinnings"`
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// transitions enumerates the permitted lifecycle edges. Settle is valid from
// CONFIRMED as well as PLAYING so a player who never received cards can still
// be paid out. SETTLING rolls back to PLAYING when a settlement broadcast
// fails and to CONFIRMED when a refund broadcast fails.
var transitions = map[SessionStatus][]SessionStatus{
	StatusPending:   {StatusConfirmed, StatusExpired},
	StatusConfirmed: {StatusPlaying, StatusSettling},
	StatusPlaying:   {StatusSettling},
	StatusSettling:  {StatusCompleted, StatusRefunded, StatusPlaying, StatusConfirmed},
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
