package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/config"
	"github.com/JakeFAU/groupmonitor/internal/dispatcher"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/policy/ratelimit"
	"github.com/JakeFAU/groupmonitor/internal/scheduler"
	"github.com/JakeFAU/groupmonitor/internal/telegram"
	"github.com/JakeFAU/groupmonitor/internal/worker"
)

// Account is a messaging client with an explicit connection lifecycle.
type Account interface {
	monitor.Client
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer builds the client for one configured account.
type Dialer func(w config.WorkerConfig) (Account, error)

// TelegramDialer builds gotd-backed accounts that share one pacing limiter.
func TelegramDialer(col config.CollectionConfig, limiter *ratelimit.Limiter, logger *zap.Logger) Dialer {
	return func(w config.WorkerConfig) (Account, error) {
		return telegram.New(telegram.Config{
			Name:         w.Name,
			APIID:        w.APIID,
			APIHash:      w.APIHash,
			Phone:        w.Phone,
			Password:     w.Password,
			SessionPath:  w.SessionPath,
			Interactive:  w.Interactive,
			DialogBatch:  col.DialogBatch,
			HistoryBatch: col.HistoryBatch,
		}, limiter, logger)
	}
}

// Pool is a running worker pool and the scheduler that drives it.
type Pool struct {
	sched    *scheduler.Scheduler
	disp     *dispatcher.Dispatcher
	accounts []Account
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

// StartPool connects every configured account and starts one worker per
// account. Accounts stay connected until Stop.
func (a *App) StartPool(ctx context.Context) (*Pool, error) {
	n := len(a.cfg.Workers)
	if n == 0 {
		return nil, errors.New("no workers configured")
	}
	start, err := a.cfg.Collection.Start()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &Pool{cancel: cancel, done: make(chan struct{}), logger: a.logger.Named("pool")}

	for _, w := range a.cfg.Workers {
		acc, err := a.dial(w)
		if err != nil {
			p.closeAccounts(ctx)
			cancel()
			return nil, fmt.Errorf("account %q: %w", w.Name, err)
		}
		if err := acc.Connect(runCtx); err != nil {
			p.closeAccounts(ctx)
			cancel()
			return nil, fmt.Errorf("connect account %q: %w", w.Name, err)
		}
		p.accounts = append(p.accounts, acc)
		p.logger.Info("account connected", zap.String("account", w.Name), zap.Bool("can_join", w.CanJoin))
	}

	p.disp = dispatcher.New(n, a.logger.Named("dispatcher"))
	wcfg := worker.Config{
		StartingDate: start,
		Lookback:     a.cfg.Collection.Lookback(),
		MessageLimit: a.cfg.Collection.MessageLimit,
		FloodGrace:   a.cfg.Collection.FloodGrace,
		ActionDelay:  worker.Bounds{Min: a.cfg.Courtesy.ActionMin, Max: a.cfg.Courtesy.ActionMax},
		UsernameDelay: worker.Bounds{
			Min: a.cfg.Courtesy.UsernameMin,
			Max: a.cfg.Courtesy.UsernameMax,
		},
	}
	runners := make([]dispatcher.Runner, n)
	for id := range n {
		runners[id] = worker.New(id, p.disp.Inbox(id), p.disp.Results(), p.disp.Free(),
			p.accounts[id], a.store, a.clock, a.ids, a.pauser, wcfg, a.logger.Named("worker"))
	}

	proc := scheduler.NewProcessor(a.store, p.disp, a.errorLog, a.publisher, a.archive, a.logger.Named("processor"))
	p.sched = scheduler.New(a.store, p.disp, proc, a.clock, a.pauser, scheduler.Config{
		Staleness:       a.cfg.Scheduler.Staleness,
		FreeWaitTimeout: a.cfg.Scheduler.FreeWaitTimeout,
		IdlePause:       a.cfg.Scheduler.IdlePause,
		CanJoin:         a.cfg.CanJoin(),
	}, a.logger.Named("scheduler"))

	go func() {
		defer close(p.done)
		p.disp.Run(runCtx, runners)
	}()
	p.logger.Info("worker pool started", zap.Int("workers", n))
	return p, nil
}

// Cycle runs one scheduling cycle and waits for its in-flight tasks.
func (p *Pool) Cycle(ctx context.Context, mode scheduler.Mode) error {
	if err := p.sched.RunCycle(ctx, mode); err != nil {
		return err
	}
	return p.sched.Settle(ctx)
}

// UpdateUsernames re-checks the usernames of inside groups in topic.
func (p *Pool) UpdateUsernames(ctx context.Context, topic string) error {
	return p.sched.UpdateUsernames(ctx, topic)
}

// Stop ends every worker, then disconnects the accounts.
func (p *Pool) Stop(ctx context.Context) {
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("workers did not stop in time", zap.Error(ctx.Err()))
	}
	p.disp.Close()
	p.closeAccounts(ctx)
	p.logger.Info("worker pool stopped")
}

func (p *Pool) closeAccounts(ctx context.Context) {
	for _, acc := range p.accounts {
		if err := acc.Close(ctx); err != nil {
			p.logger.Warn("error closing account", zap.Error(err))
		}
	}
	p.accounts = nil
}
