// Package monitortest provides scriptable fakes of the monitor interfaces for
// tests of the worker and scheduler.
package monitortest

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// JoinResponse is one scripted answer to JoinPublicGroup.
type JoinResponse struct {
	Entity monitor.Entity
	Err    error
}

type interrupt struct {
	after int
	err   error
}

// Client is an in-memory monitor.Client. Successful joins add the entity to
// the dialog list. Unscripted joins fail with monitor.ErrNotFound.
type Client struct {
	mu         sync.Mutex
	joins      map[string][]JoinResponse
	dialogs    []monitor.Entity
	dialogErrs []error
	messages   map[int64][]monitor.Message
	interrupts map[int64][]interrupt
	full       map[int64]monitor.Entity
	fullErrs   map[int64][]error

	JoinCalls   int
	DialogCalls int
}

var _ monitor.Client = (*Client)(nil)

// NewClient returns an empty fake client.
func NewClient() *Client {
	return &Client{
		joins:      make(map[string][]JoinResponse),
		messages:   make(map[int64][]monitor.Message),
		interrupts: make(map[int64][]interrupt),
		full:       make(map[int64]monitor.Entity),
		fullErrs:   make(map[int64][]error),
	}
}

// ScriptJoin queues responses for username; the last one repeats.
func (c *Client) ScriptJoin(username string, responses ...JoinResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins[username] = append(c.joins[username], responses...)
}

// AddDialog marks e as joined.
func (c *Client) AddDialog(e monitor.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addDialogLocked(e)
}

// FailDialogs makes the next IterDialogs calls fail with errs, one per call.
func (c *Client) FailDialogs(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialogErrs = append(c.dialogErrs, errs...)
}

// AddMessages appends messages to group id's history.
func (c *Client) AddMessages(id int64, msgs ...monitor.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[id] = append(c.messages[id], msgs...)
	slices.SortStableFunc(c.messages[id], func(a, b monitor.Message) int {
		return a.Date.Compare(b.Date)
	})
}

// InterruptMessages makes the next IterMessagesSince call for id fail with
// err after yielding n messages.
func (c *Client) InterruptMessages(id int64, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts[id] = append(c.interrupts[id], interrupt{after: n, err: err})
}

// SetFullEntity scripts GetFullEntity for id. errs are returned first, one per call.
func (c *Client) SetFullEntity(e monitor.Entity, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full[e.ID] = e
	c.fullErrs[e.ID] = append(c.fullErrs[e.ID], errs...)
}

// JoinPublicGroup pops the next scripted response for username.
func (c *Client) JoinPublicGroup(ctx context.Context, username string) (monitor.Entity, error) {
	if err := ctx.Err(); err != nil {
		return monitor.Entity{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.JoinCalls++
	script := c.joins[username]
	if len(script) == 0 {
		return monitor.Entity{}, fmt.Errorf("resolve %q: %w", username, monitor.ErrNotFound)
	}
	resp := script[0]
	if len(script) > 1 {
		c.joins[username] = script[1:]
	}
	if resp.Err != nil {
		return resp.Entity, resp.Err
	}
	c.addDialogLocked(resp.Entity)
	return resp.Entity, nil
}

// GetFullEntity returns the scripted snapshot for id.
func (c *Client) GetFullEntity(ctx context.Context, id int64) (monitor.Entity, error) {
	if err := ctx.Err(); err != nil {
		return monitor.Entity{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if errs := c.fullErrs[id]; len(errs) > 0 {
		c.fullErrs[id] = errs[1:]
		return monitor.Entity{}, errs[0]
	}
	e, ok := c.full[id]
	if !ok {
		return monitor.Entity{}, monitor.ErrNotFound
	}
	return e, nil
}

// IterDialogs yields a snapshot of the joined groups.
func (c *Client) IterDialogs(ctx context.Context) iter.Seq2[monitor.Entity, error] {
	c.mu.Lock()
	c.DialogCalls++
	var failure error
	if len(c.dialogErrs) > 0 {
		failure = c.dialogErrs[0]
		c.dialogErrs = c.dialogErrs[1:]
	}
	dialogs := slices.Clone(c.dialogs)
	c.mu.Unlock()

	return func(yield func(monitor.Entity, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(monitor.Entity{}, err)
			return
		}
		if failure != nil {
			yield(monitor.Entity{}, failure)
			return
		}
		for _, d := range dialogs {
			if !yield(d, nil) {
				return
			}
		}
	}
}

// IterMessagesSince yields messages dated at or after offset, oldest first.
func (c *Client) IterMessagesSince(
	ctx context.Context,
	e monitor.Entity,
	offset time.Time,
	limit int,
) iter.Seq2[monitor.Message, error] {
	c.mu.Lock()
	var matched []monitor.Message
	for _, m := range c.messages[e.ID] {
		if !m.Date.Before(offset) {
			matched = append(matched, m)
		}
	}
	var cut *interrupt
	if list := c.interrupts[e.ID]; len(list) > 0 {
		cut = &list[0]
		c.interrupts[e.ID] = list[1:]
	}
	c.mu.Unlock()

	return func(yield func(monitor.Message, error) bool) {
		for i, m := range matched {
			if err := ctx.Err(); err != nil {
				yield(monitor.Message{}, err)
				return
			}
			if limit > 0 && i >= limit {
				return
			}
			if cut != nil && i == cut.after {
				yield(monitor.Message{}, cut.err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if cut != nil && cut.after >= len(matched) {
			yield(monitor.Message{}, cut.err)
		}
	}
}

func (c *Client) addDialogLocked(e monitor.Entity) {
	for _, d := range c.dialogs {
		if d.ID == e.ID {
			return
		}
	}
	c.dialogs = append(c.dialogs, e)
}

// Clock is a settable monitor.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// IDs generates sequential result ids.
type IDs struct {
	mu   sync.Mutex
	next int
	Err  error
}

// NewID returns r-1, r-2, ...
func (g *IDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	g.next++
	return fmt.Sprintf("r-%d", g.next), nil
}

// Pauser records requested delays and returns immediately. When Clock is
// set, each pause advances it by the delay.
type Pauser struct {
	Clock *Clock

	mu     sync.Mutex
	delays []time.Duration
}

// Pause records delay.
func (p *Pauser) Pause(_ context.Context, delay time.Duration) {
	p.mu.Lock()
	p.delays = append(p.delays, delay)
	p.mu.Unlock()
	if p.Clock != nil && delay > 0 {
		p.Clock.Advance(delay)
	}
}

// Delays returns every recorded delay.
func (p *Pauser) Delays() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.delays)
}
