package gamectx

// Settle describes one balance change the Handler wants reflected on
// chain once SettleVersion advances past the event that produced it. The
// Submitter is the only consumer; GameContext just carries it from Handler
// output to Submitter input.
type Settle struct {
	PlayerID uint64
	Amount   int64 // signed: positive credits the player, negative debits
	AssetID  string
}

// Effect is everything a Handler.Apply call can ask the EventLoop to do
// beyond "here is the new state bytes". The event is the input, Effect is
// the output; StateBytes travels separately via GameContext.SetState so a
// Handler can't accidentally forget to persist it.
type Effect struct {
	Settles         []Settle
	BridgeEvents    []BridgeEvent
	LaunchSubGames  []SubGameHandle
	RequestRandoms  []uint64 // RandomSpec ids newly requested this turn
	RequestDecision []uint64 // DecisionSpec ids newly requested this turn
	Dispatch        *DispatchEvent
	Shutdown        bool
}

// IsEmpty reports whether the effect asks the EventLoop to do anything at
// all beyond the state update every Apply call implies.
func (e *Effect) IsEmpty() bool {
	if e == nil {
		return true
	}
	return len(e.Settles) == 0 && len(e.BridgeEvents) == 0 && len(e.LaunchSubGames) == 0 &&
		len(e.RequestRandoms) == 0 && len(e.RequestDecision) == 0 && e.Dispatch == nil && !e.Shutdown
}
