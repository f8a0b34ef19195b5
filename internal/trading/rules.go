package trading

import (
	"sync"

	"zerodha-oms/internal/models"
)

// RuleTrigger names the exit rule that fired.
type RuleTrigger string

const (
	TriggerStopLoss     RuleTrigger = "STOPLOSS"
	TriggerTarget       RuleTrigger = "TARGET"
	TriggerTrailingStop RuleTrigger = "TRAILING_SL"
)

// ruleState follows one executed entry.
type ruleState struct {
	// best price since tracking began: highest for a long entry, lowest
	// for a short one
	extreme float64
	fired   bool
}

// RuleBook evaluates stop-loss, target and trailing-stop levels of
// executed entries and remembers which ones have already fired.
type RuleBook struct {
	mu     sync.Mutex
	states map[string]*ruleState
}

// NewRuleBook creates an empty rule book.
func NewRuleBook() *RuleBook {
	return &RuleBook{states: make(map[string]*ruleState)}
}

// Tracked reports whether the entry has been seen before.
func (b *RuleBook) Tracked(commandID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.states[commandID]
	return ok
}

// Fired reports whether an exit was already registered for the entry.
func (b *RuleBook) Fired(commandID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[commandID]
	return ok && st.fired
}

// MarkFired stops all further evaluation of the entry.
func (b *RuleBook) MarkFired(commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[commandID]
	if !ok {
		st = &ruleState{}
		b.states[commandID] = st
	}
	st.fired = true
}

// Evaluate feeds the latest price for an executed entry and reports the
// first rule it breaches. Stop-loss wins over target, target over trail.
func (b *RuleBook) Evaluate(rec models.OrderRecord, price float64) (RuleTrigger, bool) {
	if price <= 0 || !rec.HasExitRules() {
		return "", false
	}
	long := rec.Side == models.OrderSideBuy

	b.mu.Lock()
	st, ok := b.states[rec.CommandID]
	if !ok {
		st = &ruleState{extreme: rec.AveragePrice}
		b.states[rec.CommandID] = st
	}
	if st.fired {
		b.mu.Unlock()
		return "", false
	}
	if st.extreme == 0 || (long && price > st.extreme) || (!long && price < st.extreme) {
		st.extreme = price
	}
	extreme := st.extreme
	b.mu.Unlock()

	if rec.StopLoss != nil {
		if (long && price <= *rec.StopLoss) || (!long && price >= *rec.StopLoss) {
			return TriggerStopLoss, true
		}
	}
	if rec.Target != nil {
		if (long && price >= *rec.Target) || (!long && price <= *rec.Target) {
			return TriggerTarget, true
		}
	}
	if rec.TrailPercent != nil {
		if long && price <= extreme*(1-*rec.TrailPercent/100) {
			return TriggerTrailingStop, true
		}
		if !long && price >= extreme*(1+*rec.TrailPercent/100) {
			return TriggerTrailingStop, true
		}
	}
	return "", false
}

// RuleExitID is the command id of the rule exit for an entry.
func RuleExitID(entryCommandID string) string {
	return entryCommandID + ":RULE"
}
