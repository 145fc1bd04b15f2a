package commands

import (
	"fmt"

	"github.com/cmpkit/cmp-gateway/pkg/gateway"
	"github.com/cmpkit/cmp-gateway/pkg/gatewayconfig"
)

// openGateway loads configuration from the environment and wires every
// component, without starting the HTTP listener. Admin subcommands share
// this so `keys`, `sites`, and `audit` operate on the same stores `serve`
// would use.
func openGateway() (*gateway.Gateway, error) {
	cfg, err := gatewayconfig.Load(gatewayconfig.Environ())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	g, err := gateway.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	return g, nil
}
