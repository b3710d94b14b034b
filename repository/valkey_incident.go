package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	valkeylib "github.com/valkey-io/valkey-go"
)

// ValkeyIncidentStore keeps incidents as JSON under incident:{platform}:{id}
// and indexes them in the incidents:index sorted set by last-seen time.
type ValkeyIncidentStore struct {
	client   *valkey.Client
	scanSize int64
}

func NewValkeyIncidentStore(client *valkey.Client) *ValkeyIncidentStore {
	return &ValkeyIncidentStore{client: client, scanSize: 1000}
}

func (s *ValkeyIncidentStore) key(platform, id string) string {
	return s.client.Key("incident", platform, id)
}

func (s *ValkeyIncidentStore) indexKey() string {
	return s.client.Key("incidents", "index")
}

func (s *ValkeyIncidentStore) Save(ctx context.Context, incident *recovery.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	inner := s.client.Inner()
	cmds := valkeylib.Commands{
		inner.B().Set().Key(s.key(incident.Platform, incident.ID)).Value(string(data)).Build(),
		inner.B().Zadd().Key(s.indexKey()).ScoreMember().ScoreMember(float64(incident.LastSeen.UnixMilli()), incidentKey(incident.Platform, incident.ID)).Build(),
	}
	for _, res := range inner.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to save incident: %w", err)
		}
	}
	return nil
}

func (s *ValkeyIncidentStore) Get(ctx context.Context, platform, id string) (*recovery.Incident, error) {
	inner := s.client.Inner()
	data, err := inner.Do(ctx, inner.B().Get().Key(s.key(platform, id)).Build()).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	var inc recovery.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incident: %w", err)
	}
	return &inc, nil
}

// List reads the most recent index entries (newest first) and filters them.
func (s *ValkeyIncidentStore) List(ctx context.Context, filter recovery.IncidentFilter) ([]*recovery.Incident, error) {
	inner := s.client.Inner()
	members, err := inner.Do(ctx, inner.B().Zrevrange().Key(s.indexKey()).Start(0).Stop(s.scanSize-1).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	var all []*recovery.Incident
	for _, m := range members {
		platform, id, ok := strings.Cut(m, ":")
		if !ok || (filter.Platform != "" && platform != filter.Platform) {
			continue
		}
		inc, err := s.Get(ctx, platform, id)
		if err != nil {
			return nil, err
		}
		if inc != nil {
			all = append(all, inc)
		}
	}
	return filterIncidents(all, filter), nil
}
