package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// RecordWinning appends a cross-session debt: the losing session's escrow
// wallet owes amount to the winning session's player. The losing session
// must hold funds (deposit confirmed, not refunded or expired).
func (e *Engine) RecordWinning(fromSessionID, toSessionID string, amount *big.Int) (winning *ClaimableWinning, err error) {
	defer func() { e.metrics.ObserveOperation("record_winning", err) }()
	if amount == nil || amount.Sign() <= 0 {
		err = fmt.Errorf("escrow: winning amount must be positive")
		return nil, err
	}
	mu := e.sessionLock(fromSessionID)
	mu.Lock()
	defer mu.Unlock()

	from, err := e.loadSession(fromSessionID)
	if err != nil {
		return nil, err
	}
	switch from.Status {
	case StatusConfirmed, StatusPlaying, StatusSettling, StatusCompleted:
	default:
		err = invalidStatus("record winning", from.Status)
		return nil, err
	}
	to, err := e.loadSession(toSessionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	winning = &ClaimableWinning{
		ID:            uuid.NewString(),
		FromSessionID: from.SessionID,
		FromAddress:   from.WalletAddress,
		ToSessionID:   to.SessionID,
		ToAddress:     to.PlayerAddress,
		Amount:        cloneBigInt(amount),
		CreatedAt:     now,
	}
	if err = e.store.PutWinning(winning); err != nil {
		return nil, err
	}
	e.emit(newWinningEvent(EventTypeWinningRecorded, winning))
	e.logger.Info("winning recorded",
		"id", winning.ID,
		"fromSession", fromSessionID,
		"toSession", toSessionID,
		"amount", amount.String(),
	)
	return winning.Clone(), nil
}

// ClaimWinning pays a recorded winning from the losing session's escrow
// wallet, following the same decrypt-sign-zero discipline as settlement.
// Claims are idempotent: once claimed, further attempts fail with
// ErrAlreadyClaimed. A broadcast failure leaves the entry unclaimed so the
// claim can simply be retried.
func (e *Engine) ClaimWinning(ctx context.Context, id string) (winning *ClaimableWinning, err error) {
	defer func() { e.metrics.ObserveOperation("claim_winning", err) }()
	winning, ok, err := e.store.GetWinning(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = ErrWinningNotFound
		return nil, err
	}

	// The from-session's lock guards its key material against a concurrent
	// settle or a second claim of the same entry.
	mu := e.sessionLock(winning.FromSessionID)
	mu.Lock()
	defer mu.Unlock()

	winning, ok, err = e.store.GetWinning(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = ErrWinningNotFound
		return nil, err
	}
	if winning.Claimed {
		err = ErrAlreadyClaimed
		return nil, err
	}

	txHash, sendErr := e.claimSend(ctx, winning)
	if sendErr != nil {
		e.metrics.RecordSettlementFailure()
		e.logger.Error("claim broadcast failed", "id", id, "fromSession", winning.FromSessionID, "error", sendErr)
		err = fmt.Errorf("%w: %v", ErrSettlementFailed, sendErr)
		return nil, err
	}

	now := e.now()
	winning.Claimed = true
	winning.ClaimTxHash = txHash
	winning.ClaimedAt = now
	// Claimed flag and claim hash land in one atomic write so a failure
	// cannot record the hash while leaving the entry claimable.
	if err = e.store.FinalizeWinning(winning, txHash, TxPurposeClaim); err != nil {
		e.logger.Error("claim state write failed after broadcast", "id", id, "txHash", txHash, "error", err)
		return nil, err
	}
	if from, loadErr := e.loadSession(winning.FromSessionID); loadErr == nil {
		if err = e.maybeReleaseKeyMaterial(from); err != nil {
			return nil, err
		}
	} else {
		// The claim itself succeeded; the key stays in the store until a
		// later terminal operation releases it.
		e.logger.Error("load session for key release", "sessionId", winning.FromSessionID, "error", loadErr)
	}
	e.emit(newWinningEvent(EventTypeWinningClaimed, winning))
	e.logger.Info("winning claimed", "id", id, "txHash", txHash, "amount", winning.Amount.String())
	return winning.Clone(), nil
}

// claimSend decrypts the losing session's seed and broadcasts the claim
// transfer. The returned hash is recorded by the caller together with the
// claimed flag.
func (e *Engine) claimSend(ctx context.Context, winning *ClaimableWinning) (string, error) {
	if e.broadcaster == nil {
		return "", fmt.Errorf("escrow: broadcaster not configured")
	}
	material, ok, err := e.store.GetKeyMaterial(winning.FromSessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("escrow: key material missing for session %s", winning.FromSessionID)
	}
	var txHash string
	err = e.cipher.WithSeed(material, winning.FromSessionID, func(seed []byte) error {
		sent, sendErr := e.broadcaster.SignAndSend(ctx, seed, winning.ToAddress, cloneBigInt(winning.Amount))
		if sendErr != nil {
			return sendErr
		}
		txHash = sent
		return nil
	})
	if err != nil {
		return "", err
	}
	return txHash, nil
}

// ListWinnings returns every recorded winning, claimed or not.
func (e *Engine) ListWinnings() ([]*ClaimableWinning, error) {
	return e.store.ListWinnings()
}
