// Package discovery scrapes public group rankings and feeds the candidates
// into Pending.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/metrics"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/policy/ratelimit"
)

const metricsSource = "ranking"

// ErrUnknownTopic is returned by Discover for a topic missing from the index.
var ErrUnknownTopic = errors.New("unknown topic")

// ErrTooManyRequests is returned once every attempt was throttled.
var ErrTooManyRequests = errors.New("ranking site kept answering 429")

var usernamePattern = regexp.MustCompile(`/@([a-zA-Z0-9_]+)`)

// Config controls the ranking scraper.
type Config struct {
	BaseURL   string
	IndexPath string
	// Sort is the ranking order requested per topic, e.g. "mau" or "members".
	Sort        string
	Limit       int
	MaxRequests int
	RetryPause  time.Duration
	UserAgent   string
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.IndexPath == "" {
		c.IndexPath = "/ratings/chats"
	}
	if c.Sort == "" {
		c.Sort = "mau"
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 3
	}
	if c.RetryPause <= 0 {
		c.RetryPause = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Store is the part of the group store the scraper writes to.
type Store interface {
	UpsertTopic(ctx context.Context, name, href string) error
	RecordGathering(ctx context.Context, name string, at time.Time) error
	AddPending(ctx context.Context, c monitor.Candidate) (bool, error)
}

// Report summarizes one Discover call.
type Report struct {
	Topic string
	Found int
	Added int
}

// Scraper reads the ranking index and per-topic rankings.
type Scraper struct {
	cfg     Config
	store   Store
	limiter *ratelimit.Limiter
	clock   monitor.Clock
	pauser  monitor.Pauser
	base    *colly.Collector
	logger  *zap.Logger

	mu     sync.Mutex
	topics map[string]string
}

// New builds a Scraper. limiter may be nil.
func New(
	cfg Config,
	store Store,
	limiter *ratelimit.Limiter,
	clock monitor.Clock,
	pauser monitor.Pauser,
	logger *zap.Logger,
) *Scraper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.UserAgent(cfg.UserAgent))
	c.AllowURLRevisit = true
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	})
	return &Scraper{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		clock:   clock,
		pauser:  pauser,
		base:    c,
		logger:  logger,
	}
}

// Topics fetches the ranking index, upserts every topic and returns them by
// name. The result is cached for later Discover calls.
func (s *Scraper) Topics(ctx context.Context) (map[string]string, error) {
	var menus [][2]string
	var menuStarts []int
	err := s.fetch(ctx, s.cfg.BaseURL+s.cfg.IndexPath, func(c *colly.Collector) {
		c.OnHTML("div.dropdown-menu", func(e *colly.HTMLElement) {
			menuStarts = append(menuStarts, len(menus))
			e.ForEach("a.dropdown-item", func(_ int, a *colly.HTMLElement) {
				name := strings.TrimSpace(a.Text)
				href := a.Attr("href")
				if name != "" && href != "" {
					menus = append(menus, [2]string{name, href})
				}
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch topic index: %w", err)
	}

	// The category list is the second dropdown; the first lists countries.
	items := menus
	if len(menuStarts) > 1 {
		items = menus[menuStarts[1]:]
		if len(menuStarts) > 2 {
			items = menus[menuStarts[1]:menuStarts[2]]
		}
	}
	topics := make(map[string]string, len(items))
	for _, it := range items {
		topics[it[0]] = it[1]
		if err := s.store.UpsertTopic(ctx, it[0], it[1]); err != nil {
			return nil, fmt.Errorf("upsert topic %q: %w", it[0], err)
		}
	}
	s.mu.Lock()
	s.topics = topics
	s.mu.Unlock()
	s.logger.Info("topics loaded", zap.Int("topics", len(topics)))
	return topics, nil
}

// Discover scrapes topic's public ranking and adds every new candidate to
// Pending. Candidates already pending or joined are skipped.
func (s *Scraper) Discover(ctx context.Context, topic string) (Report, error) {
	report := Report{Topic: topic}
	href, err := s.topicHref(ctx, topic)
	if err != nil {
		return report, err
	}
	url := rankingURL(s.cfg.BaseURL, href, s.cfg.Sort)

	var candidates []monitor.Candidate
	err = s.fetch(ctx, url, func(c *colly.Collector) {
		c.OnHTML("div.peer-item-row", func(e *colly.HTMLElement) {
			if cand, ok := parseCard(e, topic); ok {
				candidates = append(candidates, cand)
			}
		})
	})
	if err != nil {
		return report, fmt.Errorf("fetch ranking for %q: %w", topic, err)
	}
	gathered := s.clock.Now()
	if err := s.store.RecordGathering(ctx, topic, gathered); err != nil {
		return report, fmt.Errorf("record gathering for %q: %w", topic, err)
	}

	if s.cfg.Limit > 0 && len(candidates) > s.cfg.Limit {
		candidates = candidates[:s.cfg.Limit]
	}
	report.Found = len(candidates)
	for _, cand := range candidates {
		cand.GatheredAt = gathered
		added, err := s.store.AddPending(ctx, cand)
		if err != nil {
			return report, fmt.Errorf("add candidate %q: %w", cand.Username, err)
		}
		metrics.ObserveCandidate(metricsSource, added)
		if added {
			report.Added++
			s.logger.Debug("candidate queued", zap.String("username", cand.Username), zap.String("topic", topic))
		}
	}
	s.logger.Info("ranking scraped",
		zap.String("topic", topic),
		zap.Int("found", report.Found),
		zap.Int("added", report.Added),
	)
	return report, nil
}

func (s *Scraper) topicHref(ctx context.Context, topic string) (string, error) {
	s.mu.Lock()
	topics := s.topics
	s.mu.Unlock()
	if topics == nil {
		var err error
		if topics, err = s.Topics(ctx); err != nil {
			return "", err
		}
	}
	href, ok := topics[topic]
	if !ok {
		return "", fmt.Errorf("%q: %w", topic, ErrUnknownTopic)
	}
	return href, nil
}

// fetch visits url with handlers registered by register, retrying throttled
// answers up to MaxRequests times.
func (s *Scraper) fetch(ctx context.Context, url string, register func(*colly.Collector)) error {
	for attempt := 1; attempt <= s.cfg.MaxRequests; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.WaitURL(ctx, url); err != nil {
				return err
			}
		}
		throttled, err := s.visit(ctx, url, register)
		if err != nil {
			return err
		}
		if !throttled {
			return nil
		}
		s.logger.Warn("ranking site throttled request",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("wait", s.cfg.RetryPause),
		)
		s.pauser.Pause(ctx, s.cfg.RetryPause)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrTooManyRequests
}

// visit runs one request. A throttle page carries no cards or menus, so
// handlers registered for it simply match nothing.
func (s *Scraper) visit(ctx context.Context, url string, register func(*colly.Collector)) (bool, error) {
	c := s.base.Clone()
	var (
		throttled bool
		fetchErr  error
	)
	c.OnResponse(func(r *colly.Response) {
		if isThrottlePage(r.Body) {
			throttled = true
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode == http.StatusTooManyRequests {
			throttled = true
			return
		}
		fetchErr = err
	})
	register(c)

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("visit canceled: %w", ctx.Err())
	case err := <-done:
		if throttled {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return false, fmt.Errorf("visit %s: %w", url, fetchErr)
		}
		return false, nil
	}
}
