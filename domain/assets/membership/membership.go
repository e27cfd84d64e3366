// Package membership implements the membership projection: event
// application, snapshot replacement, historical as-of rewind, and full
// rebuild from event history. The logic here is pure given its
// reader/writer collaborators so it can be exercised without a database.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/graphassets/engine/domain/assets"
)

// ErrInvariantViolated is raised when a caller requests an as-of read for a
// materialization newer than the instance's checkpoint.
type ErrInvariantViolated struct{ Detail string }

func (e ErrInvariantViolated) Error() string { return "membership: invariant violated: " + e.Detail }

// OrderedEvent is one enter/exit toggle, tagged with the ordering key of
// the successful materialization that produced it: (completedAt, id)
// ascending is the canonical event clock.
type OrderedEvent struct {
	MaterializationID assets.MaterializationID
	CompletedAt       time.Time
	ItemID            int64
	EventType         assets.EventType
}

// MaterializationOrder is the ordering key of one successful materialization.
type MaterializationOrder struct {
	MaterializationID assets.MaterializationID
	CompletedAt       time.Time
}

// Less implements the canonical tie-break: completed_at ascending, then id
// ascending (ids are assumed monotone with commit order).
func (m MaterializationOrder) Less(other MaterializationOrder) bool {
	if !m.CompletedAt.Equal(other.CompletedAt) {
		return m.CompletedAt.Before(other.CompletedAt)
	}
	return m.MaterializationID < other.MaterializationID
}

func (m MaterializationOrder) LessOrEqual(other MaterializationOrder) bool {
	return m.Less(other) || (m.CompletedAt.Equal(other.CompletedAt) && m.MaterializationID == other.MaterializationID)
}

// Reader is the read-side collaborator the projection needs. It is
// implemented by infrastructure/assetstore against one of the two typed
// event/snapshot table families (segment or post-corpus); the domain logic
// is generic over item id regardless of family.
type Reader interface {
	ListSnapshot(ctx context.Context, instanceID assets.InstanceID) (map[int64]struct{}, error)
	ListOrderedEvents(ctx context.Context, instanceID assets.InstanceID) ([]OrderedEvent, error)
	ListEnteredItemIDs(ctx context.Context, instanceID assets.InstanceID) (map[int64]struct{}, error)
	MaterializationOrderOf(ctx context.Context, instanceID assets.InstanceID, materializationID assets.MaterializationID) (MaterializationOrder, error)
}

// Writer replaces the current snapshot atomically and repoints the
// instance's current-membership pointer, in the same transaction as the
// materialization write.
type Writer interface {
	ReplaceSnapshot(ctx context.Context, instanceID assets.InstanceID, materializationID assets.MaterializationID, items []int64) error
}

// GetMembershipAsOf returns membership as of a past materialization: a
// direct snapshot return when target is the current pointer, else a
// rewind via toggle parity over (target, checkpoint].
func GetMembershipAsOf(ctx context.Context, r Reader, instanceID assets.InstanceID, currentPointer, target assets.MaterializationID) ([]int64, error) {
	if target == currentPointer {
		snap, err := r.ListSnapshot(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return sortedKeys(snap), nil
	}

	targetOrder, err := r.MaterializationOrderOf(ctx, instanceID, target)
	if err != nil {
		return nil, err
	}
	checkpointOrder, err := r.MaterializationOrderOf(ctx, instanceID, currentPointer)
	if err != nil {
		return nil, err
	}
	if !targetOrder.LessOrEqual(checkpointOrder) {
		return nil, ErrInvariantViolated{Detail: fmt.Sprintf("target materialization %d is newer than checkpoint %d", target, currentPointer)}
	}

	events, err := r.ListOrderedEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	toggleParity := make(map[int64]int)
	for _, ev := range events {
		order := MaterializationOrder{MaterializationID: ev.MaterializationID, CompletedAt: ev.CompletedAt}
		if order.LessOrEqual(targetOrder) {
			continue
		}
		if !order.LessOrEqual(checkpointOrder) {
			continue
		}
		toggleParity[ev.ItemID]++
	}

	snap, err := r.ListSnapshot(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	result := make(map[int64]struct{}, len(snap))
	for id := range snap {
		result[id] = struct{}{}
	}
	for id, count := range toggleParity {
		if count%2 != 1 {
			continue
		}
		if _, inSnapshot := result[id]; inSnapshot {
			delete(result, id)
		} else {
			result[id] = struct{}{}
		}
	}
	return sortedKeys(result), nil
}

// Rebuild replays every successful event in ascending canonical order and
// replaces the snapshot with the result, pointed at
// latestMaterializationID. Used for checkpoint repair and is idempotent:
// Rebuild ∘ Rebuild = Rebuild.
func Rebuild(ctx context.Context, r Reader, w Writer, instanceID assets.InstanceID, latestMaterializationID assets.MaterializationID) ([]int64, error) {
	events, err := r.ListOrderedEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		oi := MaterializationOrder{MaterializationID: events[i].MaterializationID, CompletedAt: events[i].CompletedAt}
		oj := MaterializationOrder{MaterializationID: events[j].MaterializationID, CompletedAt: events[j].CompletedAt}
		return oi.Less(oj)
	})

	members := make(map[int64]struct{})
	for _, ev := range events {
		switch ev.EventType {
		case assets.EventEnter:
			members[ev.ItemID] = struct{}{}
		case assets.EventExit:
			delete(members, ev.ItemID)
		default:
			return nil, errors.New("membership: unknown event type " + string(ev.EventType))
		}
	}

	items := sortedKeys(members)
	if err := w.ReplaceSnapshot(ctx, instanceID, latestMaterializationID, items); err != nil {
		return nil, err
	}
	return items, nil
}

// Diff computes the enter/exit sets and is-first-appearance flags for a
// transition from old membership to new.
type Diff struct {
	Enter             []int64
	Exit              []int64
	IsFirstAppearance map[int64]bool
}

func ComputeDiff(old, new map[int64]struct{}, everEntered map[int64]struct{}) Diff {
	var enter, exit []int64
	first := make(map[int64]bool)
	for id := range new {
		if _, ok := old[id]; !ok {
			enter = append(enter, id)
			_, seen := everEntered[id]
			first[id] = !seen
		}
	}
	for id := range old {
		if _, ok := new[id]; !ok {
			exit = append(exit, id)
		}
	}
	sort.Slice(enter, func(i, j int) bool { return enter[i] < enter[j] })
	sort.Slice(exit, func(i, j int) bool { return exit[i] < exit[j] })
	return Diff{Enter: enter, Exit: exit, IsFirstAppearance: first}
}

func sortedKeys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
