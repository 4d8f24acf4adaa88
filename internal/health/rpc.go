package health

import (
	"context"
	"fmt"

	"github.com/semsee/semsee/internal/feed"
)

// RPCChecker probes the chain endpoint the instance is bound to.
type RPCChecker struct {
	client feed.BlockClient
}

// NewRPCChecker creates a checker over the shared chain client.
func NewRPCChecker(client feed.BlockClient) *RPCChecker {
	return &RPCChecker{client: client}
}

// Ping asks for the latest header.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if _, err := c.client.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("evm rpc: %w", err)
	}
	return nil
}
