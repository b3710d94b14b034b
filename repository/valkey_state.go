package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
)

// ValkeyStateStore persists breaker and rate-limit snapshots as JSON values in
// two hashes, state:breakers and state:ratelimits, keyed by platform.
type ValkeyStateStore struct {
	client *valkey.Client
}

func NewValkeyStateStore(client *valkey.Client) *ValkeyStateStore {
	return &ValkeyStateStore{client: client}
}

func (s *ValkeyStateStore) SaveBreaker(ctx context.Context, snap recovery.BreakerSnapshot) error {
	return s.put(ctx, "breakers", snap.Platform, snap)
}

func (s *ValkeyStateStore) LoadBreakers(ctx context.Context) ([]recovery.BreakerSnapshot, error) {
	var out []recovery.BreakerSnapshot
	err := s.load(ctx, "breakers", func(data []byte) error {
		var snap recovery.BreakerSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, err
}

func (s *ValkeyStateStore) SaveRateLimit(ctx context.Context, snap ratelimit.Snapshot) error {
	return s.put(ctx, "ratelimits", snap.Platform, snap)
}

func (s *ValkeyStateStore) LoadRateLimits(ctx context.Context) ([]ratelimit.Snapshot, error) {
	var out []ratelimit.Snapshot
	err := s.load(ctx, "ratelimits", func(data []byte) error {
		var snap ratelimit.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, err
}

func (s *ValkeyStateStore) put(ctx context.Context, kind, platform string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s snapshot for %s: %w", kind, platform, err)
	}
	inner := s.client.Inner()
	cmd := inner.B().Hset().Key(s.client.Key("state", kind)).FieldValue().FieldValue(platform, string(data)).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save %s snapshot for %s: %w", kind, platform, err)
	}
	return nil
}

func (s *ValkeyStateStore) load(ctx context.Context, kind string, fn func([]byte) error) error {
	inner := s.client.Inner()
	values, err := inner.Do(ctx, inner.B().Hgetall().Key(s.client.Key("state", kind)).Build()).AsStrMap()
	if err != nil {
		return fmt.Errorf("failed to load %s snapshots: %w", kind, err)
	}
	for platform, data := range values {
		if err := fn([]byte(data)); err != nil {
			return fmt.Errorf("failed to decode %s snapshot for %s: %w", kind, platform, err)
		}
	}
	return nil
}
