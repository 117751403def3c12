package gamectx

// RandomStatus tracks the lifecycle of a randomness request raised by the
// Handler (shuffle, dice roll, hidden-information deal).
type RandomStatus int

const (
	RandomRequested RandomStatus = iota
	RandomReady
)

// RandomSpec describes one outstanding or resolved randomization. Options
// holds the values being shuffled/drawn from; the mask records which
// indices have already been revealed to which player, mirroring the
// mental-poker style masking the original game runtime uses.
type RandomSpec struct {
	ID      uint64
	Options []string
	Status  RandomStatus
	Mask    map[uint64][]uint64 // player id -> revealed option indices
}

// DecisionStatus tracks whether a secret value requested from a player has
// been answered yet.
type DecisionStatus int

const (
	DecisionPending DecisionStatus = iota
	DecisionAnswered
)

// DecisionSpec is a single outstanding "ask player X for a hidden value"
// request (e.g. a bet-sizing commitment) keyed by DecisionId.
type DecisionSpec struct {
	ID       uint64
	PlayerID uint64
	Status   DecisionStatus
	Value    []byte
}

// randomizer holds the GameContext's random and decision registries plus
// the monotonic id counters that name new entries. It is not exported: all
// access goes through GameContext methods so the id counters cannot skip
// out from under invariant checks.
type randomizer struct {
	nextRandomID   uint64
	nextDecisionID uint64
	randoms        map[uint64]*RandomSpec
	decisions      map[uint64]*DecisionSpec
}

func newRandomizer() randomizer {
	return randomizer{
		randoms:   make(map[uint64]*RandomSpec),
		decisions: make(map[uint64]*DecisionSpec),
	}
}

// RequestRandom registers a new RandomSpec and returns its id.
func (c *GameContext) RequestRandom(options []string) uint64 {
	c.nextRandomID++
	id := c.nextRandomID
	c.randoms[id] = &RandomSpec{ID: id, Options: options, Status: RandomRequested, Mask: make(map[uint64][]uint64)}
	return id
}

// ResolveRandom marks a RandomSpec ready. Returns false if id is unknown.
func (c *GameContext) ResolveRandom(id uint64) bool {
	r, ok := c.randoms[id]
	if !ok {
		return false
	}
	r.Status = RandomReady
	return true
}

// Random looks up a RandomSpec by id.
func (c *GameContext) Random(id uint64) (*RandomSpec, bool) {
	r, ok := c.randoms[id]
	return r, ok
}

// RequestDecision registers a new DecisionSpec and returns its id.
func (c *GameContext) RequestDecision(playerID uint64) uint64 {
	c.nextDecisionID++
	id := c.nextDecisionID
	c.decisions[id] = &DecisionSpec{ID: id, PlayerID: playerID, Status: DecisionPending}
	return id
}

// AnswerDecision stores the revealed value for a pending decision. Returns
// false if id is unknown or already answered.
func (c *GameContext) AnswerDecision(id uint64, value []byte) bool {
	d, ok := c.decisions[id]
	if !ok || d.Status == DecisionAnswered {
		return false
	}
	d.Value = value
	d.Status = DecisionAnswered
	return true
}

// Decision looks up a DecisionSpec by id.
func (c *GameContext) Decision(id uint64) (*DecisionSpec, bool) {
	d, ok := c.decisions[id]
	return d, ok
}
