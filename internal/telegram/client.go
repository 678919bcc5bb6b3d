// Package telegram implements monitor.Client on top of the gotd MTProto
// client. One Client owns one account session.
package telegram

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/policy/ratelimit"
)

const defaultBatch = 100

// rpc is the subset of *tg.Client the monitor needs.
type rpc interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsJoinChannel(ctx context.Context, channel tg.InputChannelClass) (tg.UpdatesClass, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Config identifies one account.
type Config struct {
	// Name keys the account's request pacing bucket and log fields.
	Name        string
	APIID       int
	APIHash     string
	Phone       string
	Password    string
	SessionPath string
	// Interactive allows a terminal login when the stored session is not
	// authorized. Otherwise Connect fails with ErrUnauthorized.
	Interactive  bool
	DialogBatch  int
	HistoryBatch int
}

// Client is a connected account.
type Client struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
	codeInput io.Reader

	mu      sync.RWMutex
	api     rpc
	cancel  context.CancelFunc
	runDone chan struct{}
	hashes  map[int64]int64
}

var _ monitor.Client = (*Client)(nil)

// New validates cfg. limiter may be nil to disable client-side pacing.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.APIID == 0 {
		return nil, fmt.Errorf("account %q: api_id is required", cfg.Name)
	}
	if cfg.APIHash == "" {
		return nil, fmt.Errorf("account %q: api_hash is required", cfg.Name)
	}
	if cfg.SessionPath == "" {
		return nil, fmt.Errorf("account %q: session_path is required", cfg.Name)
	}
	return newClient(cfg, limiter, logger), nil
}

func newClient(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.DialogBatch <= 0 {
		cfg.DialogBatch = defaultBatch
	}
	if cfg.HistoryBatch <= 0 {
		cfg.HistoryBatch = defaultBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger.With(zap.String("account", cfg.Name)),
		codeInput: os.Stdin,
		hashes:    make(map[int64]int64),
	}
}

// Connect starts the MTProto connection and blocks until the session is
// authorized and usable, or ctx ends. The connection lives until Close or
// until ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.api != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	storage, err := NewFileSessionStorage(c.cfg.SessionPath)
	if err != nil {
		return err
	}
	client := telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		SessionStorage: storage,
		Logger:         c.logger.Named("mtproto"),
	})

	runCtx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errc <- client.Run(runCtx, func(ctx context.Context) error {
			if err := c.authorize(ctx, client); err != nil {
				return err
			}
			c.mu.Lock()
			c.api = client.API()
			c.mu.Unlock()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		c.mu.Lock()
		c.cancel, c.runDone = cancel, done
		c.mu.Unlock()
		c.logger.Info("telegram connected")
		return nil
	case err := <-errc:
		cancel()
		return fmt.Errorf("connect %q: %w", c.cfg.Name, err)
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("connect %q: %w", c.cfg.Name, ctx.Err())
	}
}

// Close stops the connection and waits for it to shut down or ctx to end.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.runDone
	c.api, c.cancel, c.runDone = nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		c.logger.Info("telegram disconnected")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %q: %w", c.cfg.Name, ctx.Err())
	}
}

// JoinPublicGroup resolves username, fetches its full snapshot and joins it.
// A group with auto-deleting messages is not joined: its snapshot comes back
// with an error wrapping monitor.ErrTTLPeriod. When the group only accepts
// join requests, the snapshot is returned together with an error wrapping
// monitor.ErrPendingApproval.
func (c *Client) JoinPublicGroup(ctx context.Context, username string) (monitor.Entity, error) {
	api, err := c.ready(ctx)
	if err != nil {
		return monitor.Entity{}, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return monitor.Entity{}, mapError("resolve "+username, err)
	}
	ch, ok := findChannel(resolved.Chats, 0)
	if !ok {
		return monitor.Entity{}, fmt.Errorf("resolve %s: not a group: %w", username, monitor.ErrNotFound)
	}
	c.rememberChats(resolved.Chats)
	in := &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}

	if api, err = c.ready(ctx); err != nil {
		return monitor.Entity{}, err
	}
	full, err := api.ChannelsGetFullChannel(ctx, in)
	if err != nil {
		return monitor.Entity{}, mapError("get full channel "+username, err)
	}
	c.rememberChats(full.Chats)
	entity, ok := fullEntity(ch.ID, full)
	if !ok {
		entity = channelEntity(ch)
	}
	if entity.TTLPeriod > 0 {
		return entity, fmt.Errorf("join %s: %w", username, monitor.ErrTTLPeriod)
	}

	if api, err = c.ready(ctx); err != nil {
		return monitor.Entity{}, err
	}
	_, err = api.ChannelsJoinChannel(ctx, in)
	switch {
	case err == nil, tgerr.Is(err, errUserAlreadyParticipant):
		c.logger.Info("joined group", zap.String("username", username), zap.Int64("group_id", ch.ID))
		return entity, nil
	case tgerr.Is(err, errInviteRequestSent):
		return entity, mapError("join "+username, err)
	default:
		return monitor.Entity{}, mapError("join "+username, err)
	}
}

// GetFullEntity fetches a fresh snapshot of a joined group.
func (c *Client) GetFullEntity(ctx context.Context, id int64) (monitor.Entity, error) {
	in, err := c.inputChannel(ctx, id)
	if err != nil {
		return monitor.Entity{}, err
	}
	api, err := c.ready(ctx)
	if err != nil {
		return monitor.Entity{}, err
	}
	full, err := api.ChannelsGetFullChannel(ctx, in)
	if err != nil {
		return monitor.Entity{}, mapError("get full channel", err)
	}
	c.rememberChats(full.Chats)
	e, ok := fullEntity(id, full)
	if !ok {
		return monitor.Entity{}, fmt.Errorf("full channel %d: %w", id, monitor.ErrNotFound)
	}
	return e, nil
}

// IterDialogs pages through the account's dialogs and yields its channels.
func (c *Client) IterDialogs(ctx context.Context) iter.Seq2[monitor.Entity, error] {
	return func(yield func(monitor.Entity, error) bool) {
		req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: c.cfg.DialogBatch}
		seen := make(map[string]struct{})
		for {
			api, err := c.ready(ctx)
			if err != nil {
				yield(monitor.Entity{}, err)
				return
			}
			res, err := api.MessagesGetDialogs(ctx, req)
			if err != nil {
				yield(monitor.Entity{}, mapError("get dialogs", err))
				return
			}
			page := unpackDialogs(res)
			c.rememberChats(page.chats)

			fresh := 0
			for _, d := range page.dialogs {
				dlg, ok := d.(*tg.Dialog)
				if !ok {
					continue
				}
				key := peerKey(dlg.Peer)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				fresh++
				peer, ok := dlg.Peer.(*tg.PeerChannel)
				if !ok {
					continue
				}
				ch, ok := findChannel(page.chats, peer.ChannelID)
				if !ok {
					continue
				}
				if !yield(channelEntity(ch), nil) {
					return
				}
			}
			if page.complete || fresh == 0 || len(page.dialogs) < req.Limit {
				return
			}
			next, ok := nextDialogOffset(page)
			if !ok {
				return
			}
			req.OffsetDate, req.OffsetID, req.OffsetPeer = next.date, next.id, next.peer
		}
	}
}

// IterMessagesSince yields messages dated at or after offset, oldest first,
// stopping after limit messages when limit is positive.
func (c *Client) IterMessagesSince(
	ctx context.Context,
	e monitor.Entity,
	offset time.Time,
	limit int,
) iter.Seq2[monitor.Message, error] {
	return func(yield func(monitor.Message, error) bool) {
		in, err := c.inputChannel(ctx, e.ID)
		if err != nil {
			yield(monitor.Message{}, err)
			return
		}
		batch := c.cfg.HistoryBatch
		req := &tg.MessagesGetHistoryRequest{
			Peer:      &tg.InputPeerChannel{ChannelID: in.ChannelID, AccessHash: in.AccessHash},
			AddOffset: -batch,
			Limit:     batch,
		}
		if offset.IsZero() {
			req.OffsetID = 1
		} else {
			req.OffsetDate = int(offset.Unix())
		}

		yielded, maxID := 0, 0
		for {
			api, err := c.ready(ctx)
			if err != nil {
				yield(monitor.Message{}, err)
				return
			}
			res, err := api.MessagesGetHistory(ctx, req)
			if err != nil {
				yield(monitor.Message{}, mapError("get history", err))
				return
			}
			raw := historyMessages(res)
			var msgs []monitor.Message
			for _, m := range raw {
				msg, ok := convertMessage(m)
				if !ok || msg.ID <= maxID || msg.Date.Before(offset) {
					continue
				}
				msgs = append(msgs, msg)
			}
			if len(msgs) == 0 {
				return
			}
			// The server answers newest first.
			slices.SortFunc(msgs, func(a, b monitor.Message) int { return a.ID - b.ID })
			for _, msg := range msgs {
				if limit > 0 && yielded >= limit {
					return
				}
				if !yield(msg, nil) {
					return
				}
				yielded++
				maxID = msg.ID
			}
			if len(raw) < batch {
				return
			}
			req.OffsetDate = 0
			req.OffsetID = maxID + 1
		}
	}
}

// ready waits for the pacing bucket and returns the live API.
func (c *Client) ready(ctx context.Context) (rpc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.Name); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return nil, ErrNotConnected
	}
	return c.api, nil
}

// inputChannel returns the access-hashed reference for id, scanning the
// dialogs once when it is not cached yet.
func (c *Client) inputChannel(ctx context.Context, id int64) (*tg.InputChannel, error) {
	if in, ok := c.cachedChannel(id); ok {
		return in, nil
	}
	for _, err := range c.IterDialogs(ctx) {
		if err != nil {
			return nil, err
		}
		if _, ok := c.cachedChannel(id); ok {
			break
		}
	}
	if in, ok := c.cachedChannel(id); ok {
		return in, nil
	}
	return nil, fmt.Errorf("channel %d: %w", id, monitor.ErrNotFound)
}

func (c *Client) cachedChannel(id int64) (*tg.InputChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.hashes[id]
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: id, AccessHash: hash}, true
}

func (c *Client) rememberChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			c.hashes[ch.ID] = ch.AccessHash
		}
	}
}
