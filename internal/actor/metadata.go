package actor

import (
	"context"
	"errors"
	"fmt"

	"icgate/go-backend/internal/agent"
	"icgate/go-backend/internal/identity"
	"icgate/go-backend/internal/registry"
)

const candidMetadata = "candid:service"

// MetadataFetcher reads the interface a canister publishes in its certified
// candid:service metadata section. Requests are sent anonymously.
type MetadataFetcher struct {
	Agents map[string]Client
}

func (f MetadataFetcher) FetchInterface(ctx context.Context, entry registry.Entry) (string, error) {
	client, ok := f.Agents[entry.Network]
	if !ok {
		return "", fmt.Errorf("actor: no agent for network %q: %w", entry.Network, registry.ErrNoInterface)
	}
	raw, err := client.CanisterMetadata(ctx, identity.Anonymous(), entry.CanisterID, candidMetadata)
	if errors.Is(err, agent.ErrPathAbsent) {
		return "", registry.ErrNoInterface
	}
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", registry.ErrNoInterface
	}
	return string(raw), nil
}

var _ registry.Fetcher = MetadataFetcher{}

var _ Client = (*agent.Agent)(nil)
