package engine

import (
	"sync"

	"github.com/graphassets/engine/domain/assets"
)

// tickMemo is the per-tick memoization map: instance_id -> outcome, so a
// dependency shared by multiple parents is materialized at most once per
// tick. Entries are written once; concurrent readers block on inFlight
// until the writer completes.
type tickMemo struct {
	mu       sync.Mutex
	done     map[assets.InstanceID]Outcome
	inFlight map[assets.InstanceID]chan struct{}
}

func newTickMemo() *tickMemo {
	return &tickMemo{
		done:     make(map[assets.InstanceID]Outcome),
		inFlight: make(map[assets.InstanceID]chan struct{}),
	}
}

// resolve returns the memoized outcome for instanceID, computing it via
// compute exactly once even under concurrent callers within the same tick.
func (m *tickMemo) resolve(instanceID assets.InstanceID, compute func() Outcome) Outcome {
	m.mu.Lock()
	if outcome, ok := m.done[instanceID]; ok {
		m.mu.Unlock()
		return outcome
	}
	if wait, ok := m.inFlight[instanceID]; ok {
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
		outcome := m.done[instanceID]
		m.mu.Unlock()
		return outcome
	}
	wait := make(chan struct{})
	m.inFlight[instanceID] = wait
	m.mu.Unlock()

	outcome := compute()

	m.mu.Lock()
	m.done[instanceID] = outcome
	delete(m.inFlight, instanceID)
	m.mu.Unlock()
	close(wait)

	return outcome
}
