package coordinator

import (
	"context"
	"fmt"

	"github.com/basket/worldgate/internal/world"
)

// ClaimStart moves key from STOPPED or ERROR to STARTING under launchID.
// Exactly one caller wins per stopped period; losers get (false, nil) and
// should poll instead.
func (c *Coordinator) ClaimStart(ctx context.Context, key world.Key, launchID string) (bool, error) {
	if launchID == "" {
		return false, fmt.Errorf("claim %s: empty launch id", key)
	}
	won, err := c.registry.Transition(ctx, key,
		[]world.Status{world.StatusStopped, world.StatusError},
		world.StatusStarting,
		world.Fields{LaunchID: launchID, BumpRevision: true},
	)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !won {
		c.metrics.RecordClaimContention(ctx, key.GameKey)
	}
	return won, nil
}
