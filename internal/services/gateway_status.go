package services

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GatewayStatus is one row of the gateway overview
type GatewayStatus struct {
	Slug       string         `json:"slug"`
	Label      string         `json:"label"`
	Family     string         `json:"family"`
	Enabled    bool           `json:"enabled"`
	Default    bool           `json:"default"`
	DailyLimit int            `json:"daily_limit"`
	Used       int            `json:"used"`
	Remaining  int            `json:"remaining,omitempty"`
	Health     *GatewayHealth `json:"health,omitempty"`
}

// GatewayStatusService reports usage against quota and probes health
type GatewayStatusService struct {
	registry *GatewayRegistry
	usage    *UsageTracker
	client   *GatewayClient
}

func NewGatewayStatusService(registry *GatewayRegistry, usage *UsageTracker, client *GatewayClient) *GatewayStatusService {
	return &GatewayStatusService{registry: registry, usage: usage, client: client}
}

// Status lists every instance with its usage over the rotation window.
// With probe set, enabled instances are health-checked concurrently.
func (s *GatewayStatusService) Status(ctx context.Context, probe bool) ([]GatewayStatus, error) {
	usage, err := s.usage.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	instances := s.registry.Instances()
	statuses := make([]GatewayStatus, len(instances))
	for i, inst := range instances {
		statuses[i] = GatewayStatus{
			Slug:       inst.Slug,
			Label:      inst.Label,
			Family:     inst.Family(),
			Enabled:    inst.Enabled,
			Default:    inst.Slug == s.registry.DefaultSlug(),
			DailyLimit: inst.DailyLimit,
			Used:       usage.Count(inst.Slug),
		}
		if inst.DailyLimit > 0 {
			remaining := inst.DailyLimit - statuses[i].Used
			if remaining < 0 {
				remaining = 0
			}
			statuses[i].Remaining = remaining
		}
	}
	if !probe || s.client == nil {
		return statuses, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inst := range instances {
		if !inst.Enabled {
			continue
		}
		i, inst := i, inst
		g.Go(func() error {
			health := s.client.Health(gctx, inst)
			statuses[i].Health = &health
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}
