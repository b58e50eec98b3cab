package client

import (
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
)

type Constructor func(p Params) (FLClient, error)

// Registry maps client.name to a client implementation.
type Registry map[string]Constructor

func NewRegistry() Registry {
	return Registry{
		"base_client": func(p Params) (FLClient, error) {
			c, err := New(p)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

func (r Registry) Build(p Params) (FLClient, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("%w: client %d has no config", common.ErrConfiguration, p.ID)
	}
	name := p.Config.Client.Name
	constructor, found := r[name]
	if !found {
		return nil, fmt.Errorf("%w: unknown client %q", common.ErrConfiguration, name)
	}
	return constructor(p)
}
