package eventbus

import "sync"

// suggestionBarrier coordinates situational-awareness agents that each
// contribute zero or more SACommand suggestions per round before the
// Suggestion Arbiter (spec §4.10) is allowed to act on the batch. An
// agent registers once, then calls Done() each round; the barrier
// releases Wait() callers only once every registered agent has called
// Done() for the current generation.
type suggestionBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	registered map[string]bool
	doneThisGen map[string]bool
	suggestions []any
}

func newSuggestionBarrier() *suggestionBarrier {
	b := &suggestionBarrier{
		registered:  make(map[string]bool),
		doneThisGen: make(map[string]bool),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SuggestionBarrier is a handle the arbiter and situational-awareness
// agents share for one event type's suggestion round. Bus.Barrier
// creates or returns the existing one for a given key.
type SuggestionBarrier struct {
	impl *suggestionBarrier
}

// Barrier returns the shared suggestion barrier for key, creating it on
// first use. key is typically a fixed string like "sa-suggestions".
func (b *Bus) Barrier(key string) *SuggestionBarrier {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.barriers[key]
	if !ok {
		sb = newSuggestionBarrier()
		b.barriers[key] = sb
	}
	return &SuggestionBarrier{impl: sb}
}

// Register adds agentName to the set the barrier waits on. Safe to call
// more than once; idempotent.
func (sb *SuggestionBarrier) Register(agentName string) {
	sb.impl.mu.Lock()
	defer sb.impl.mu.Unlock()
	sb.impl.registered[agentName] = true
}

// Suggest appends a command to the current generation's batch. Agents
// may call this any number of times before calling Done.
func (sb *SuggestionBarrier) Suggest(cmd any) {
	sb.impl.mu.Lock()
	defer sb.impl.mu.Unlock()
	sb.impl.suggestions = append(sb.impl.suggestions, cmd)
}

// Done marks agentName finished for the current generation. Once every
// registered agent has called Done, any Wait callers are released.
func (sb *SuggestionBarrier) Done(agentName string) {
	sb.impl.mu.Lock()
	defer sb.impl.mu.Unlock()
	sb.impl.doneThisGen[agentName] = true
	if sb.impl.allDoneLocked() {
		sb.impl.cond.Broadcast()
	}
}

func (impl *suggestionBarrier) allDoneLocked() bool {
	for name := range impl.registered {
		if !impl.doneThisGen[name] {
			return false
		}
	}
	return true
}

// Wait blocks until every registered agent has called Done for the
// current generation, then returns the accumulated suggestions and
// resets the generation for the next round.
func (sb *SuggestionBarrier) Wait() []any {
	sb.impl.mu.Lock()
	defer sb.impl.mu.Unlock()
	for !sb.impl.allDoneLocked() {
		sb.impl.cond.Wait()
	}
	batch := sb.impl.suggestions
	sb.impl.suggestions = nil
	sb.impl.doneThisGen = make(map[string]bool)
	return batch
}
