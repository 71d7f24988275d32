package escrow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"octescrow/crypto"
)

// DepositVerifier confirms that a chain transaction deposited the expected
// amount to the escrow address with the session's encoded payload attached.
// Supplied by the blockchain-integration layer.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash, expectedAddress string, expectedAmount *big.Int, expectedEncodedMessage string) (bool, error)
}

// Broadcaster signs a transfer with the provided seed and broadcasts it,
// returning the transaction hash. The engine never retries a broadcast on
// its own.
type Broadcaster interface {
	SignAndSend(ctx context.Context, signingSeed []byte, destination string, amount *big.Int) (string, error)
}

// MetricsRecorder receives engine-level counters. The Prometheus
// implementation lives in the observability package.
type MetricsRecorder interface {
	ObserveOperation(operation string, err error)
	RecordVerificationFailure()
	RecordReplay()
	RecordSettlementFailure()
	RecordExpired(count int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error) {}
func (noopMetrics) RecordVerificationFailure()     {}
func (noopMetrics) RecordReplay()                  {}
func (noopMetrics) RecordSettlementFailure()       {}
func (noopMetrics) RecordExpired(int)              {}

// DefaultDepositWindow bounds how long a quoted session waits for its
// deposit before the sweeper may expire it. Deployments tune this through
// configuration.
const DefaultDepositWindow = 10 * time.Minute

// Engine exposes the session lifecycle state machine. Every operation is
// serialized per session identifier and reads and writes exclusively through
// the store, which remains the single source of truth.
type Engine struct {
	store         Store
	cipher        *crypto.Cipher
	wallets       *crypto.Generator
	verifier      DepositVerifier
	broadcaster   Broadcaster
	emitter       Emitter
	metrics       MetricsRecorder
	logger        *slog.Logger
	depositWindow time.Duration
	nowFn         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine creates an engine over the given store and seed cipher with a
// no-op emitter and metrics recorder. Collaborators are wired via setters.
func NewEngine(store Store, cipher *crypto.Cipher) *Engine {
	return &Engine{
		store:         store,
		cipher:        cipher,
		wallets:       crypto.NewGenerator(cipher),
		emitter:       NoopEmitter{},
		metrics:       noopMetrics{},
		logger:        slog.Default(),
		depositWindow: DefaultDepositWindow,
		nowFn:         time.Now,
		locks:         make(map[string]*sync.Mutex),
	}
}

// SetVerifier configures the chain deposit verifier.
func (e *Engine) SetVerifier(v DepositVerifier) { e.verifier = v }

// SetBroadcaster configures the chain broadcast collaborator.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetMetrics configures the metrics recorder. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if m == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = m
}

// SetLogger overrides the structured logger used by the engine.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetDepositWindow overrides how long quoted sessions wait for a deposit.
func (e *Engine) SetDepositWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultDepositWindow
	}
	e.depositWindow = window
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn() }

// sessionLock returns the mutex dedicated to the session, creating it on
// first use. Locks are never removed; the set is bounded by the number of
// sessions the store has ever held.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[sessionID] = mu
	}
	return mu
}

// transition moves the session to the next status, stamping UpdatedAt. Every
// status write in the engine goes through here so the lifecycle table in
// types.go is the single statement of the permitted edges.
func (e *Engine) transition(session *Session, to SessionStatus) error {
	if !CanTransition(session.Status, to) {
		return invalidStatus("transition to "+string(to), session.Status)
	}
	session.Status = to
	session.UpdatedAt = e.now()
	return nil
}

func (e *Engine) emit(event *Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

// QuoteParams carries the immutable context captured when a buy-in session
// is quoted.
type QuoteParams struct {
	PlayerAddress string
	PlayerName    string
	TableID       string
	SeatIndex     int
	Amount        *big.Int
}

func (p QuoteParams) validate() error {
	if strings.TrimSpace(p.PlayerAddress) == "" {
		return fmt.Errorf("escrow: player address required")
	}
	if strings.TrimSpace(p.TableID) == "" {
		return fmt.Errorf("escrow: table id required")
	}
	if p.SeatIndex < 0 {
		return fmt.Errorf("escrow: seat index must not be negative")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: buy-in amount must be positive")
	}
	return nil
}

// CreateQuote generates a fresh escrow wallet and opens a PENDING session
// the player must fund within the deposit window. The returned session
// carries the deposit address and the encoded payload the player attaches to
// the deposit transaction.
func (e *Engine) CreateQuote(ctx context.Context, params QuoteParams) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("create_quote", err) }()
	if err = params.validate(); err != nil {
		return nil, err
	}
	if _, exists, lookupErr := e.store.ActiveByPlayerAndTable(params.PlayerAddress, params.TableID); lookupErr != nil {
		err = lookupErr
		return nil, err
	} else if exists {
		err = ErrDuplicateSession
		return nil, err
	}

	sessionID := uuid.NewString()
	walletAddress, material, walletErr := e.wallets.NewSessionWallet(sessionID)
	if walletErr != nil {
		e.logger.Error("wallet generation failed", "sessionId", sessionID, "error", walletErr)
		err = walletErr
		return nil, err
	}

	nonce, nonceErr := newNonce()
	if nonceErr != nil {
		err = nonceErr
		return nil, err
	}
	now := e.now()
	payload := MessagePayload{
		Address:   params.PlayerAddress,
		Amount:    cloneBigInt(params.Amount),
		Username:  params.PlayerName,
		Timestamp: now.Unix(),
		TableID:   params.TableID,
		SeatIndex: params.SeatIndex,
		Nonce:     nonce,
	}
	encoded, encodeErr := payload.Encode()
	if encodeErr != nil {
		err = encodeErr
		return nil, err
	}

	session = &Session{
		SessionID:      sessionID,
		PlayerAddress:  params.PlayerAddress,
		PlayerName:     params.PlayerName,
		TableID:        params.TableID,
		SeatIndex:      params.SeatIndex,
		BuyInAmount:    cloneBigInt(params.Amount),
		CurrentStack:   big.NewInt(0),
		WalletAddress:  walletAddress,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(e.depositWindow),
		Payload:        payload,
		EncodedPayload: encoded,
	}
	if err = e.store.PutKeyMaterial(sessionID, material); err != nil {
		return nil, err
	}
	if err = e.store.PutSession(session); err != nil {
		// Do not leave key material without an owning session.
		if delErr := e.store.DeleteKeyMaterial(sessionID); delErr != nil {
			e.logger.Error("remove orphaned key material", "sessionId", sessionID, "error", delErr)
		}
		return nil, err
	}
	e.emit(newSessionEvent(EventTypeSessionQuoted, session))
	e.logger.Info("session quoted",
		"sessionId", sessionID,
		"player", params.PlayerAddress,
		"table", params.TableID,
		"amount", params.Amount.String(),
		"wallet", walletAddress,
	)
	return session.Clone(), nil
}

// VerifyDeposit binds a chain deposit transaction to the session. The
// session must still be PENDING and within its deposit window; the nonce and
// transaction hash are consumed exactly once.
func (e *Engine) VerifyDeposit(ctx context.Context, sessionID, txHash string) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("verify_deposit", err) }()
	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err = e.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusPending {
		err = invalidStatus("verify deposit", session.Status)
		return nil, err
	}
	now := e.now()
	if now.After(session.ExpiresAt) {
		if err = e.expireLocked(session); err != nil {
			return nil, err
		}
		err = ErrSessionExpired
		return nil, err
	}
	if e.verifier == nil {
		err = fmt.Errorf("escrow: deposit verifier not configured")
		return nil, err
	}

	ok, verifyErr := e.verifier.VerifyDeposit(ctx, txHash, session.WalletAddress, session.BuyInAmount, session.EncodedPayload)
	if verifyErr != nil {
		e.metrics.RecordVerificationFailure()
		e.logger.Warn("deposit verification error", "sessionId", sessionID, "txHash", txHash, "error", verifyErr)
		err = fmt.Errorf("%w: %v", ErrVerificationFailed, verifyErr)
		return nil, err
	}
	if !ok {
		e.metrics.RecordVerificationFailure()
		e.logger.Warn("deposit verification rejected", "sessionId", sessionID, "txHash", txHash, "player", session.PlayerAddress)
		err = ErrVerificationFailed
		return nil, err
	}

	if err = e.transition(session, StatusConfirmed); err != nil {
		return nil, err
	}
	session.CurrentStack = cloneBigInt(session.BuyInAmount)
	session.DepositTxHash = txHash
	session.DepositConfirmedAt = now

	// The status write and both replay entries land in one atomic store
	// write: a transient failure leaves the session PENDING with its nonce
	// and hash unconsumed, so the genuine deposit can simply be retried. The
	// hash flag takes priority over the nonce flag, and a rejected replay
	// consumes nothing.
	hashSeen, nonceSeen, confirmErr := e.store.ConfirmDeposit(session, session.Payload.Nonce, txHash)
	if confirmErr != nil {
		err = confirmErr
		return nil, err
	}
	if hashSeen {
		e.metrics.RecordReplay()
		e.logger.Warn("deposit transaction replayed", "sessionId", sessionID, "txHash", txHash, "player", session.PlayerAddress)
		err = ErrReplayDetected
		return nil, err
	}
	if nonceSeen {
		e.metrics.RecordReplay()
		e.logger.Warn("deposit nonce replayed", "sessionId", sessionID, "player", session.PlayerAddress)
		err = ErrReplayDetected
		return nil, err
	}
	e.emit(newSessionEvent(EventTypeSessionConfirmed, session))
	e.logger.Info("deposit confirmed", "sessionId", sessionID, "txHash", txHash, "stack", session.CurrentStack.String())
	return session.Clone(), nil
}

// StartPlaying moves a confirmed session to PLAYING once the table seats the
// player.
func (e *Engine) StartPlaying(sessionID string) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("start_playing", err) }()
	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err = e.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusConfirmed {
		err = invalidStatus("start playing", session.Status)
		return nil, err
	}
	if err = e.transition(session, StatusPlaying); err != nil {
		return nil, err
	}
	if err = e.store.PutSession(session); err != nil {
		return nil, err
	}
	e.emit(newSessionEvent(EventTypeSessionPlaying, session))
	return session.Clone(), nil
}

// UpdateStack overwrites the live chip count of a PLAYING session. Invalid
// stacks are rejected, never clamped.
func (e *Engine) UpdateStack(sessionID string, newStack *big.Int) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("update_stack", err) }()
	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err = e.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusPlaying {
		err = invalidStatus("update stack", session.Status)
		return nil, err
	}
	if newStack == nil || newStack.Sign() < 0 {
		err = ErrInvalidStack
		return nil, err
	}
	session.CurrentStack = cloneBigInt(newStack)
	session.UpdatedAt = e.now()
	if err = e.store.PutSession(session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// Settle pays the player's final stack back to their own address and closes
// the session. A zero final stack completes without touching the chain. A
// broadcast failure rolls the session back to PLAYING so the caller can
// retry; funds stay escrowed either way.
func (e *Engine) Settle(ctx context.Context, sessionID string, finalStack *big.Int) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("settle", err) }()
	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err = e.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusPlaying && session.Status != StatusConfirmed {
		err = invalidStatus("settle", session.Status)
		return nil, err
	}
	if finalStack == nil || finalStack.Sign() < 0 {
		err = ErrInvalidStack
		return nil, err
	}

	if err = e.transition(session, StatusSettling); err != nil {
		return nil, err
	}
	session.FinalStack = cloneBigInt(finalStack)
	if err = e.store.PutSession(session); err != nil {
		return nil, err
	}

	if finalStack.Sign() == 0 {
		// Busted player: nothing to withdraw, no chain traffic.
		return e.completeSettlement(session, "")
	}

	txHash, sendErr := e.signAndSend(ctx, sessionID, session.PlayerAddress, finalStack)
	if sendErr != nil {
		if rollbackErr := e.transition(session, StatusPlaying); rollbackErr != nil {
			err = rollbackErr
			return nil, err
		}
		if putErr := e.store.PutSession(session); putErr != nil {
			err = putErr
			return nil, err
		}
		e.metrics.RecordSettlementFailure()
		e.logger.Error("settlement broadcast failed", "sessionId", sessionID, "error", sendErr)
		err = fmt.Errorf("%w: %v", ErrSettlementFailed, sendErr)
		return nil, err
	}
	return e.completeSettlement(session, txHash)
}

func (e *Engine) completeSettlement(session *Session, txHash string) (*Session, error) {
	if err := e.transition(session, StatusCompleted); err != nil {
		return nil, err
	}
	session.SettlementTxHash = txHash
	session.SettledAt = session.UpdatedAt
	// Terminal state and the withdraw hash land in one atomic write. If it
	// fails the payout is already broadcast, so the session is left SETTLING
	// with nothing partially recorded; the logged hash is the operator's
	// recovery handle.
	if err := e.store.FinalizeSession(session, txHash, TxPurposeWithdraw); err != nil {
		e.logger.Error("settlement state write failed after broadcast",
			"sessionId", session.SessionID, "txHash", txHash, "error", err)
		return nil, err
	}
	if err := e.maybeReleaseKeyMaterial(session); err != nil {
		return nil, err
	}
	e.emit(newSessionEvent(EventTypeSessionSettled, session))
	e.logger.Info("session settled", "sessionId", session.SessionID, "finalStack", session.FinalStack.String(), "txHash", txHash)
	return session.Clone(), nil
}

// Refund returns the full buy-in to the player from a CONFIRMED session. A
// broadcast failure leaves the session CONFIRMED; re-invoking Refund is the
// retry path.
func (e *Engine) Refund(ctx context.Context, sessionID string) (session *Session, err error) {
	defer func() { e.metrics.ObserveOperation("refund", err) }()
	mu := e.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err = e.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusConfirmed {
		err = invalidStatus("refund", session.Status)
		return nil, err
	}

	if err = e.transition(session, StatusSettling); err != nil {
		return nil, err
	}
	if err = e.store.PutSession(session); err != nil {
		return nil, err
	}

	txHash, sendErr := e.signAndSend(ctx, sessionID, session.PlayerAddress, session.BuyInAmount)
	if sendErr != nil {
		if rollbackErr := e.transition(session, StatusConfirmed); rollbackErr != nil {
			err = rollbackErr
			return nil, err
		}
		if putErr := e.store.PutSession(session); putErr != nil {
			err = putErr
			return nil, err
		}
		e.metrics.RecordSettlementFailure()
		e.logger.Error("refund broadcast failed", "sessionId", sessionID, "error", sendErr)
		err = fmt.Errorf("%w: %v", ErrSettlementFailed, sendErr)
		return nil, err
	}

	if err = e.transition(session, StatusRefunded); err != nil {
		return nil, err
	}
	session.SettlementTxHash = txHash
	session.SettledAt = session.UpdatedAt
	if err = e.store.FinalizeSession(session, txHash, TxPurposeWithdraw); err != nil {
		e.logger.Error("refund state write failed after broadcast",
			"sessionId", sessionID, "txHash", txHash, "error", err)
		return nil, err
	}
	if err = e.maybeReleaseKeyMaterial(session); err != nil {
		return nil, err
	}
	e.emit(newSessionEvent(EventTypeSessionRefunded, session))
	e.logger.Info("session refunded", "sessionId", sessionID, "amount", session.BuyInAmount.String(), "txHash", txHash)
	return session.Clone(), nil
}

// signAndSend decrypts the session seed and broadcasts the transfer through
// the configured collaborator. The plaintext seed is zeroed on every exit
// path; recording the returned hash is left to the caller, which batches it
// with its state write.
func (e *Engine) signAndSend(ctx context.Context, sessionID, destination string, amount *big.Int) (string, error) {
	if e.broadcaster == nil {
		return "", fmt.Errorf("escrow: broadcaster not configured")
	}
	material, ok, err := e.store.GetKeyMaterial(sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("escrow: key material missing for session %s", sessionID)
	}
	var txHash string
	err = e.cipher.WithSeed(material, sessionID, func(seed []byte) error {
		sent, sendErr := e.broadcaster.SignAndSend(ctx, seed, destination, cloneBigInt(amount))
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

// maybeReleaseKeyMaterial deletes the session's encrypted key once the
// session is terminal, the settlement broadcast (if any) has happened and no
// unclaimed winnings still draw on the session's wallet.
func (e *Engine) maybeReleaseKeyMaterial(session *Session) error {
	if !session.Status.Terminal() {
		return nil
	}
	winnings, err := e.store.WinningsFromSession(session.SessionID)
	if err != nil {
		return err
	}
	for _, w := range winnings {
		if !w.Claimed {
			return nil
		}
	}
	return e.store.DeleteKeyMaterial(session.SessionID)
}

// expireLocked transitions a PENDING session to EXPIRED and releases its key
// material. No funds were ever received, so no key is needed for a payout.
// The caller must hold the session lock.
func (e *Engine) expireLocked(session *Session) error {
	if err := e.transition(session, StatusExpired); err != nil {
		return err
	}
	if err := e.store.PutSession(session); err != nil {
		return err
	}
	if err := e.store.DeleteKeyMaterial(session.SessionID); err != nil {
		return err
	}
	e.emit(newSessionEvent(EventTypeSessionExpired, session))
	e.logger.Info("session expired", "sessionId", session.SessionID, "player", session.PlayerAddress)
	return nil
}

// ExpireStale sweeps every PENDING session whose deposit window has passed,
// returning how many were expired. The sweeper calls this on its interval.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	sessions, err := e.store.ListSessions()
	if err != nil {
		return 0, err
	}
	now := e.now()
	expired := 0
	for _, candidate := range sessions {
		select {
		case <-ctx.Done():
			return expired, ctx.Err()
		default:
		}
		if candidate.Status != StatusPending || !now.After(candidate.ExpiresAt) {
			continue
		}
		mu := e.sessionLock(candidate.SessionID)
		mu.Lock()
		session, loadErr := e.loadSession(candidate.SessionID)
		if loadErr == nil && session.Status == StatusPending && now.After(session.ExpiresAt) {
			if expireErr := e.expireLocked(session); expireErr == nil {
				expired++
			} else {
				e.logger.Error("expire sweep failed", "sessionId", session.SessionID, "error", expireErr)
			}
		}
		mu.Unlock()
	}
	e.metrics.RecordExpired(expired)
	return expired, nil
}

// GetSession returns a copy of the session.
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	return e.loadSession(sessionID)
}

// GetSessionByPlayerAndTable returns the player's live (CONFIRMED or
// PLAYING) session at the table, if any.
func (e *Engine) GetSessionByPlayerAndTable(playerAddress, tableID string) (*Session, error) {
	session, ok, err := e.store.ActiveByPlayerAndTable(playerAddress, tableID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Stats aggregates session counts by status plus the number of unclaimed
// winnings.
func (e *Engine) Stats() (Stats, error) {
	sessions, err := e.store.ListSessions()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[SessionStatus]int)}
	for _, session := range sessions {
		stats.Total++
		stats.ByStatus[session.Status]++
	}
	winnings, err := e.store.ListWinnings()
	if err != nil {
		return Stats{}, err
	}
	for _, w := range winnings {
		if !w.Claimed {
			stats.Unclaimed++
		}
	}
	return stats, nil
}

func (e *Engine) loadSession(sessionID string) (*Session, error) {
	session, ok, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("escrow: read nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
