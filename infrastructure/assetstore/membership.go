package assetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/membership"
)

// kindTables names the two tables backing one OutputItemKind's family
// (events and snapshot) and their item-id column name (user_id or
// post_id — the two families are otherwise identical in shape).
type kindTables struct {
	events   string
	snapshot string
	itemCol  string
}

func tablesFor(kind assets.OutputItemKind) (kindTables, error) {
	switch kind {
	case assets.ItemKindUser:
		return kindTables{events: "segment_membership_events", snapshot: "segment_membership_snapshot", itemCol: "user_id"}, nil
	case assets.ItemKindPost:
		return kindTables{events: "post_corpus_membership_events", snapshot: "post_corpus_membership_snapshot", itemCol: "post_id"}, nil
	default:
		return kindTables{}, fmt.Errorf("assetstore: unknown output item kind %q", kind)
	}
}

// memberReader adapts one kind's tables to membership.Reader and
// membership.Writer.
type memberReader struct {
	s *Store
	t kindTables
}

func (r memberReader) ListSnapshot(ctx context.Context, instanceID assets.InstanceID) (map[int64]struct{}, error) {
	rows, err := r.s.q(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE instance_id = $1
	`, r.t.itemCol, r.t.snapshot), int64(instanceID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r memberReader) ListOrderedEvents(ctx context.Context, instanceID assets.InstanceID) ([]membership.OrderedEvent, error) {
	rows, err := r.s.q(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT e.materialization_id, m.completed_at, e.%s, e.event_type
		FROM %s e
		JOIN asset_materializations m ON m.id = e.materialization_id
		WHERE e.instance_id = $1 AND m.status = $2
	`, r.t.itemCol, r.t.events), int64(instanceID), string(assets.MaterializationSuccess))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.OrderedEvent
	for rows.Next() {
		var ev membership.OrderedEvent
		var matID int64
		var completedAt sql.NullTime
		var eventType string
		if err := rows.Scan(&matID, &completedAt, &ev.ItemID, &eventType); err != nil {
			return nil, err
		}
		ev.MaterializationID = assets.MaterializationID(matID)
		if completedAt.Valid {
			ev.CompletedAt = completedAt.Time
		}
		ev.EventType = assets.EventType(eventType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r memberReader) ListEnteredItemIDs(ctx context.Context, instanceID assets.InstanceID) (map[int64]struct{}, error) {
	rows, err := r.s.q(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT %s FROM %s WHERE instance_id = $1 AND event_type = $2
	`, r.t.itemCol, r.t.events), int64(instanceID), string(assets.EventEnter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r memberReader) MaterializationOrderOf(ctx context.Context, instanceID assets.InstanceID, materializationID assets.MaterializationID) (membership.MaterializationOrder, error) {
	var completedAt sql.NullTime
	err := r.s.q(ctx).QueryRowContext(ctx, `
		SELECT completed_at FROM asset_materializations WHERE id = $1
	`, int64(materializationID)).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return membership.MaterializationOrder{}, &NotFoundError{Entity: "asset_materialization", Key: itoa(int64(materializationID))}
		}
		return membership.MaterializationOrder{}, err
	}
	order := membership.MaterializationOrder{MaterializationID: materializationID}
	if completedAt.Valid {
		order.CompletedAt = completedAt.Time
	}
	return order, nil
}

// ReplaceSnapshot satisfies membership.Writer: delete-then-insert within
// whatever transaction ctx is already carrying (RunInTx), also repointing
// the instance's checkpoint.
func (r memberReader) ReplaceSnapshot(ctx context.Context, instanceID assets.InstanceID, materializationID assets.MaterializationID, items []int64) error {
	if _, err := r.s.q(ctx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = $1`, r.t.snapshot), int64(instanceID)); err != nil {
		return err
	}
	for _, id := range items {
		if _, err := r.s.q(ctx).ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (instance_id, %s, materialization_id) VALUES ($1, $2, $3)
		`, r.t.snapshot, r.t.itemCol), int64(instanceID), id, int64(materializationID)); err != nil {
			return err
		}
	}
	_, err := r.s.q(ctx).ExecContext(ctx, `
		UPDATE asset_instances SET current_membership_materialization = $2 WHERE id = $1
	`, int64(instanceID), int64(materializationID))
	return err
}

func (s *Store) reader(kind assets.OutputItemKind) (memberReader, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return memberReader{}, err
	}
	return memberReader{s: s, t: t}, nil
}

// InsertEvents appends enter/exit rows for one materialization.
func (s *Store) InsertEvents(ctx context.Context, kind assets.OutputItemKind, events []assets.Event) error {
	t, err := tablesFor(kind)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := s.q(ctx).ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (materialization_id, instance_id, %s, event_type, is_first_appearance)
			SELECT $1, asset_instance_id, $2, $3, $4 FROM asset_materializations WHERE id = $1
		`, t.events, t.itemCol), int64(ev.MaterializationID), ev.ItemID, string(ev.EventType), ev.IsFirstAppearance); err != nil {
			return err
		}
	}
	return nil
}

// ListMembershipSnapshot returns the current snapshot for instanceID.
func (s *Store) ListMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) (map[int64]struct{}, error) {
	r, err := s.reader(kind)
	if err != nil {
		return nil, err
	}
	return r.ListSnapshot(ctx, instanceID)
}

// ReplaceMembershipSnapshot replaces the snapshot and repoints the checkpoint.
func (s *Store) ReplaceMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, materializationID assets.MaterializationID, items []int64) error {
	r, err := s.reader(kind)
	if err != nil {
		return err
	}
	return r.ReplaceSnapshot(ctx, instanceID, materializationID, items)
}

// ListEnteredItemIDs returns every item id that has ever entered, across
// all history — used to compute Event.IsFirstAppearance.
func (s *Store) ListEnteredItemIDs(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) (map[int64]struct{}, error) {
	r, err := s.reader(kind)
	if err != nil {
		return nil, err
	}
	return r.ListEnteredItemIDs(ctx, instanceID)
}

// GetMembershipAsOf implements the as-of read, resolving the instance's
// current checkpoint itself since the interface only carries the target
// materialization id.
func (s *Store) GetMembershipAsOf(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, targetMaterializationID assets.MaterializationID) ([]int64, error) {
	inst, err := s.GetAssetInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.CurrentMembershipMaterialization == nil {
		return nil, &NotFoundError{Entity: "membership_checkpoint", Key: itoa(int64(instanceID))}
	}
	r, err := s.reader(kind)
	if err != nil {
		return nil, err
	}
	return membership.GetMembershipAsOf(ctx, r, instanceID, *inst.CurrentMembershipMaterialization, targetMaterializationID)
}

// RebuildMembershipSnapshot replays every successful event in canonical
// order and replaces the snapshot, used for checkpoint repair.
func (s *Store) RebuildMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) ([]int64, error) {
	latest, err := s.GetLatestSuccessfulMaterialization(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, &NotFoundError{Entity: "successful_materialization", Key: itoa(int64(instanceID))}
	}
	r, err := s.reader(kind)
	if err != nil {
		return nil, err
	}
	return membership.Rebuild(ctx, r, r, instanceID, latest.ID)
}

// ListOrderedEvents exposes the raw event history for one instance.
func (s *Store) ListOrderedEvents(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) ([]membership.OrderedEvent, error) {
	r, err := s.reader(kind)
	if err != nil {
		return nil, err
	}
	return r.ListOrderedEvents(ctx, instanceID)
}

// MaterializationOrderOf returns the canonical ordering key of one
// materialization.
func (s *Store) MaterializationOrderOf(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, materializationID assets.MaterializationID) (membership.MaterializationOrder, error) {
	r, err := s.reader(kind)
	if err != nil {
		return membership.MaterializationOrder{}, err
	}
	return r.MaterializationOrderOf(ctx, instanceID, materializationID)
}
