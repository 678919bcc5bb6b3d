package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/discovery"
	"github.com/JakeFAU/groupmonitor/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Crawl runs a single scheduling cycle in the given mode.
func (a *App) Crawl(ctx context.Context, mode scheduler.Mode) error {
	return a.withPool(ctx, func(p *Pool) error {
		return p.Cycle(ctx, mode)
	})
}

// CheckMode returns a CheckOnly mode ending window from now.
func (a *App) CheckMode(window time.Duration) scheduler.Mode {
	return scheduler.Mode{Kind: scheduler.CheckOnly, Deadline: a.checkDeadline(window)}
}

// UpdateUsernames re-checks the usernames of inside groups, optionally
// restricted to topic.
func (a *App) UpdateUsernames(ctx context.Context, topic string) error {
	return a.withPool(ctx, func(p *Pool) error {
		return p.UpdateUsernames(ctx, topic)
	})
}

// Discover scrapes the ranking of every topic and queues the candidates.
// A topic that fails is logged and skipped.
func (a *App) Discover(ctx context.Context, topics []string) ([]discovery.Report, error) {
	scraper := a.Discoverer()
	reports := make([]discovery.Report, 0, len(topics))
	for _, topic := range topics {
		r, err := scraper.Discover(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			a.logger.Warn("discovery failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Monitor runs the long-lived loop: discover and join every configured
// topic once, then alternate a bounded check cycle with username updates,
// discovery and joins per topic until ctx ends. The HTTP API is served
// alongside.
func (a *App) Monitor(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.serve(ctx, ln)
	}()

	err = a.withPool(ctx, func(p *Pool) error {
		return a.monitorLoop(ctx, p)
	})
	cancel()
	if sErr := <-serveErr; sErr != nil && err == nil {
		err = sErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) monitorLoop(ctx context.Context, p *Pool) error {
	topics := a.cfg.Scheduler.Topics
	scraper := a.Discoverer()
	joinTopic := func(topic string) error {
		if _, err := scraper.Discover(ctx, topic); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("discovery failed, joining what is pending", zap.String("topic", topic), zap.Error(err))
		}
		return p.Cycle(ctx, scheduler.Mode{Kind: scheduler.JoinOnly})
	}

	for _, topic := range topics {
		if err := joinTopic(topic); err != nil {
			return err
		}
	}
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.logger.Info("monitor round started", zap.Int("round", round))
		if err := p.Cycle(ctx, a.CheckMode(a.cfg.Scheduler.CheckWindow)); err != nil {
			return err
		}
		for _, topic := range topics {
			if err := p.UpdateUsernames(ctx, topic); err != nil {
				return err
			}
			if err := joinTopic(topic); err != nil {
				return err
			}
		}
	}
}

// Serve runs the HTTP API until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info("http server stopped")
	return nil
}

func (a *App) withPool(ctx context.Context, fn func(*Pool) error) error {
	p, err := a.StartPool(ctx)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		p.Stop(stopCtx)
	}()
	return fn(p)
}

// ListTopics fetches the topic index of the ranking site.
func (a *App) ListTopics(ctx context.Context) (map[string]string, error) {
	return a.Discoverer().Topics(ctx)
}
