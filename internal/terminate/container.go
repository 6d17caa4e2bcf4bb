package terminate

import (
	"context"
	"time"

	"github.com/majorcontext/copywatch/internal/log"
)

// ContainerStopper stops containers.
type ContainerStopper interface {
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
}

// Container terminates a copy running as a Docker container.
type Container struct {
	ID      string
	Grace   time.Duration
	Stopper ContainerStopper
}

// Terminate stops the container; Docker kills it if it outlives Grace.
func (c *Container) Terminate(ctx context.Context) error {
	grace := c.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	log.Debug("stopping container", "container_id", c.ID, "grace", grace)
	return c.Stopper.StopContainer(ctx, c.ID, grace)
}
