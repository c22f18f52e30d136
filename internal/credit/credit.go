// Package credit lets billing veto generation. The spend cap is an hourly
// per-user window priced at a fixed cost per generated frame.
package credit

import (
	"context"
	"sync"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

const DenySpendCap = "hourly_spend_cap"

type spendWindow struct {
	spent   float64
	resetAt time.Time
}

// Controller tracks per-user spend. A nil *Controller always allows, so
// callers can wire it unconditionally.
type Controller struct {
	costPerGeneration float64
	hourlyCap         float64
	now               func() time.Time

	mu    sync.Mutex
	users map[string]*spendWindow
}

func New(costPerGeneration, hourlyCap float64) *Controller {
	return &Controller{
		costPerGeneration: costPerGeneration,
		hourlyCap:         hourlyCap,
		now:               time.Now,
		users:             make(map[string]*spendWindow),
	}
}

// ShouldGenerate reports whether one more generation fits the user's cap.
func (c *Controller) ShouldGenerate(_ context.Context, userID string) model.Decision {
	if c == nil || c.hourlyCap <= 0 {
		return model.Allow()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.window(userID)
	if w.spent+c.costPerGeneration > c.hourlyCap {
		return model.Deny(DenySpendCap, w.resetAt)
	}
	return model.Allow()
}

// NoteGenerated records spend for count generated frames.
func (c *Controller) NoteGenerated(userID string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(userID)
	w.spent += c.costPerGeneration * float64(count)
}

func (c *Controller) window(userID string) *spendWindow {
	n := c.now()
	w := c.users[userID]
	if w == nil || n.After(w.resetAt) {
		w = &spendWindow{resetAt: n.Add(time.Hour)}
		c.users[userID] = w
	}
	return w
}
