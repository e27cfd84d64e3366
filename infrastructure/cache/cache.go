// Package cache implements an optional, disabled-by-default cross-process
// accelerator over domain/assets/engine.Outcome: when multiple assetworker
// processes share one Postgres instance, a short-lived Redis entry lets an
// on-demand MaterializeInstanceByID call short-circuit if another process
// just resolved the same instance, without weakening the engine's own
// correctness (the engine never trusts the cache — Postgres is still the
// source of truth for skip/materialize decisions; this is a fast-path in
// front of it, not a replacement).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/engine"
)

// ErrDisabled is returned by Get/Set when the cache was constructed with no
// Redis address configured; callers should treat it the same as a cache
// miss.
var ErrDisabled = errors.New("cache: disabled")

// CachedOutcome is the JSON-serializable mirror of engine.Outcome stored in
// Redis (engine.Outcome itself has no json tags and isn't worth adding them
// to just for this one optional consumer).
type CachedOutcome struct {
	InstanceID        int64  `json:"instance_id"`
	MaterializationID *int64 `json:"materialization_id,omitempty"`
	OutputRevision    *int64 `json:"output_revision,omitempty"`
	Status            string `json:"status"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

func fromOutcome(o engine.Outcome) CachedOutcome {
	c := CachedOutcome{
		InstanceID:   int64(o.InstanceID),
		Status:       string(o.Status),
		ErrorMessage: o.ErrorMessage,
	}
	if o.MaterializationID != nil {
		v := int64(*o.MaterializationID)
		c.MaterializationID = &v
	}
	if o.OutputRevision != nil {
		v := *o.OutputRevision
		c.OutputRevision = &v
	}
	return c
}

// ToOutcome converts back to engine.Outcome for the caller.
func (c CachedOutcome) ToOutcome() engine.Outcome {
	o := engine.Outcome{
		InstanceID:   assets.InstanceID(c.InstanceID),
		Status:       engine.OutcomeStatus(c.Status),
		ErrorMessage: c.ErrorMessage,
	}
	if c.MaterializationID != nil {
		id := assets.MaterializationID(*c.MaterializationID)
		o.MaterializationID = &id
	}
	if c.OutputRevision != nil {
		rev := *c.OutputRevision
		o.OutputRevision = &rev
	}
	return o
}

// OutcomeCache is a thin Redis read-through cache for materialization
// outcomes. The zero value (nil *redis.Client) is valid and behaves as
// disabled, so hosts that don't configure CacheConfig.Addr can still
// construct and use one unconditionally.
type OutcomeCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs an OutcomeCache. addr == "" disables it (every Get misses,
// every Set is a no-op) so the engine behaves identically whether or not an
// operator has stood up Redis.
func New(addr, password string, db int, ttl time.Duration) *OutcomeCache {
	if addr == "" {
		return &OutcomeCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &OutcomeCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (c *OutcomeCache) Enabled() bool {
	return c != nil && c.client != nil
}

func key(instanceID assets.InstanceID, inputsHash string) string {
	return "asset_outcome:" + strconv.FormatInt(int64(instanceID), 10) + ":" + inputsHash
}

// Get returns the cached outcome for (instanceID, inputsHash) if present
// and not expired. A miss (including a disabled cache) returns ok == false
// with a nil error; only a genuine Redis failure returns a non-nil error.
func (c *OutcomeCache) Get(ctx context.Context, instanceID assets.InstanceID, inputsHash string) (engine.Outcome, bool, error) {
	if !c.Enabled() {
		return engine.Outcome{}, false, nil
	}
	raw, err := c.client.Get(ctx, key(instanceID, inputsHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return engine.Outcome{}, false, nil
		}
		return engine.Outcome{}, false, err
	}
	var cached CachedOutcome
	if err := json.Unmarshal(raw, &cached); err != nil {
		return engine.Outcome{}, false, err
	}
	return cached.ToOutcome(), true, nil
}

// Set stores outcome under (instanceID, inputsHash) with the configured
// TTL. A no-op on a disabled cache.
func (c *OutcomeCache) Set(ctx context.Context, instanceID assets.InstanceID, inputsHash string, outcome engine.Outcome) error {
	if !c.Enabled() {
		return nil
	}
	payload, err := json.Marshal(fromOutcome(outcome))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(instanceID, inputsHash), payload, c.ttl).Err()
}

// Invalidate drops the cached outcome for instanceID across every
// inputs_hash it might be keyed under, used when an operator forces a
// materialization and the stale cache entry must not be served again
// before its TTL.
func (c *OutcomeCache) Invalidate(ctx context.Context, instanceID assets.InstanceID) error {
	if !c.Enabled() {
		return nil
	}
	pattern := "asset_outcome:" + strconv.FormatInt(int64(instanceID), 10) + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
