// Package termination decides when an idle queue server should exit.
package termination

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy selects the auto-termination behavior.
type Policy string

// Supported policies.
const (
	// PolicyStayAlive keeps the server running until it is signalled.
	PolicyStayAlive Policy = "stayAlive"
	// PolicyAfterBeingIdle exits once no request indicated activity
	// for the configured period.
	PolicyAfterBeingIdle Policy = "afterBeingIdle"
)

// Controller watches request activity and fires the termination policy.
type Controller struct {
	policy     Policy
	idlePeriod time.Duration
	log        *zap.Logger

	mu           sync.Mutex
	lastActivity time.Time

	now func() time.Time
}

// NewController creates a controller with the activity clock started.
func NewController(policy Policy, idlePeriod time.Duration, log *zap.Logger) *Controller {
	c := &Controller{
		policy:     policy,
		idlePeriod: idlePeriod,
		log:        log,
		now:        time.Now,
	}
	c.lastActivity = c.now()
	return c
}

// NoteActivity defers auto-termination.
// Endpoint handlers call this for requests that indicate a live client.
func (c *Controller) NoteActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
}

func (c *Controller) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastActivity)
}

// Run blocks until the policy fires or the context ends.
// A nil return means the server should terminate gracefully.
func (c *Controller) Run(ctx context.Context) error {
	if c.policy == PolicyStayAlive {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if idle := c.idleFor(); idle > c.idlePeriod {
				c.log.Info("Queue server idle, terminating",
					zap.Duration("idle", idle),
					zap.Duration("idle_period", c.idlePeriod))
				return nil
			}
		}
	}
}
