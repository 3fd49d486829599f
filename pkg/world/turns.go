package world

import (
	"strings"
	"sync"
)

// PassDirective halts agent responses until the next human message, exactly
// as if the turn limit had been reached.
const PassDirective = "<world>pass</world>"

// TurnController counts consecutive agent-authored messages per chat and
// halts further agent responses once the world's turn limit is reached. The
// state is transient: it is recreated empty on world load. Counter updates
// happen synchronously on the publish path, so an agent reading the counter
// at the start of its turn sees every agent message published before it.
type TurnController struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int  // chatID -> consecutive agent turns
	passed map[string]bool // chatID -> pass directive active
}

// NewTurnController creates a controller with the given limit (the world's
// configured turn limit; DefaultTurnLimit when zero).
func NewTurnController(limit int) *TurnController {
	if limit <= 0 {
		limit = DefaultTurnLimit
	}
	return &TurnController{
		limit:  limit,
		counts: make(map[string]int),
		passed: make(map[string]bool),
	}
}

// SetLimit updates the limit after a world config change.
func (tc *TurnController) SetLimit(limit int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if limit <= 0 {
		limit = DefaultTurnLimit
	}
	tc.limit = limit
}

// OnHuman resets the chat's counter for a human-authored message and arms
// the pass directive when the content carries it.
func (tc *TurnController) OnHuman(chatID, content string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.counts[chatID] = 0
	tc.passed[chatID] = strings.Contains(content, PassDirective)
}

// OnAgent increments the chat's consecutive-agent-turn counter.
func (tc *TurnController) OnAgent(chatID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.counts[chatID]++
}

// Allow reports whether another agent turn fits the budget.
func (tc *TurnController) Allow(chatID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.passed[chatID] {
		return false
	}
	return tc.counts[chatID] < tc.limit
}

// Count returns the chat's current consecutive agent-turn count.
func (tc *TurnController) Count(chatID string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.counts[chatID]
}

// Reset clears the chat's state (used on chat switch).
func (tc *TurnController) Reset(chatID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.counts, chatID)
	delete(tc.passed, chatID)
}
