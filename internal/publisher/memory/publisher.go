// Package memory records result notifications in memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// Publisher stores published notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []monitor.Notification
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records n and returns a pseudo message id.
func (p *Publisher) Publish(_ context.Context, n monitor.Notification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, n)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded notifications in publish order.
func (p *Publisher) Messages() []monitor.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]monitor.Notification, len(p.messages))
	copy(out, p.messages)
	return out
}
