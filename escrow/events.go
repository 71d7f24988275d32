package escrow

// Event types emitted over session lifecycle transitions.
const (
	EventTypeSessionQuoted    = "escrow.session.quoted"
	EventTypeSessionConfirmed = "escrow.session.confirmed"
	EventTypeSessionPlaying   = "escrow.session.playing"
	EventTypeSessionSettled   = "escrow.session.settled"
	EventTypeSessionRefunded  = "escrow.session.refunded"
	EventTypeSessionExpired   = "escrow.session.expired"
	EventTypeWinningRecorded  = "escrow.winning.recorded"
	EventTypeWinningClaimed   = "escrow.winning.claimed"
)

// Event is a structured state change emitted by the engine for downstream
// subscribers (table manager, indexers, audit log).
type Event struct {
	Type       string
	Attributes map[string]string
}

// EventType implements the Emitter contract.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

func newSessionEvent(eventType string, session *Session) *Event {
	if session == nil {
		return &Event{Type: eventType, Attributes: map[string]string{}}
	}
	attrs := map[string]string{
		"sessionId":     session.SessionID,
		"playerAddress": session.PlayerAddress,
		"tableId":       session.TableID,
		"status":        string(session.Status),
	}
	if session.BuyInAmount != nil {
		attrs["buyInAmount"] = session.BuyInAmount.String()
	}
	if session.SettlementTxHash != "" {
		attrs["settlementTxHash"] = session.SettlementTxHash
	}
	return &Event{Type: eventType, Attributes: attrs}
}

func newWinningEvent(eventType string, winning *ClaimableWinning) *Event {
	if winning == nil {
		return &Event{Type: eventType, Attributes: map[string]string{}}
	}
	attrs := map[string]string{
		"id":            winning.ID,
		"fromSessionId": winning.FromSessionID,
		"toSessionId":   winning.ToSessionID,
	}
	if winning.Amount != nil {
		attrs["amount"] = winning.Amount.String()
	}
	if winning.ClaimTxHash != "" {
		attrs["claimTxHash"] = winning.ClaimTxHash
	}
	return &Event{Type: eventType, Attributes: attrs}
}
