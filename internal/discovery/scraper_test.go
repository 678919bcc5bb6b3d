package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/monitor/monitortest"
	storemem "github.com/JakeFAU/groupmonitor/internal/storage/memory"
)

const indexPage = `<html><head><title>Chat ratings</title></head><body>
<div class="dropdown-menu max-height-320px overflow-y-scroll">
  <a class="dropdown-item" href="/ratings/chats/ru">Russia</a>
</div>
<div class="dropdown-menu max-height-320px overflow-y-scroll">
  <a class="dropdown-item" href="/ratings/chats/crypto?sort=members">Cryptocurrencies</a>
  <a class="dropdown-item" href="/ratings/chats/politics?sort=members">Politics</a>
</div>
</body></html>`

func card(username, name, members, weekly, active string) string {
	return fmt.Sprintf(`<div class="card peer-item-row mb-2 ribbon-box border">
  <div class="col col-12 col-sm-5 col-md-5 col-lg-4"><a href="/chat/@%s/stat">link</a></div>
  <div class="text-truncate font-16 text-dark mt-n1">%s</div>
  <div class="text-truncate font-12 text-dark">Cryptocurrencies</div>
  <div class="text-truncate font-14 text-dark mt-n1">%s</div>
  <div class="text-center" data-html="true" data-original-title="Number of messages in the group in the last 7 days">%s
  messages</div>
  <h4 class="text-dark font-weight-normal mb-1 font-16 font-sm-18">%s</h4>
</div>`, username, name, members, weekly, active)
}

type site struct {
	server    *httptest.Server
	throttles atomic.Int32
	hits      atomic.Int32
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ratings/chats", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, indexPage)
	})
	mux.HandleFunc("/ratings/chats/crypto/public", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if r.URL.Query().Get("sort") != "mau" {
			http.Error(w, "bad sort", http.StatusBadRequest)
			return
		}
		if s.throttles.Load() > 0 {
			s.throttles.Add(-1)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, "<html><head><title>429 Too Many Requests</title></head></html>")
			return
		}
		_, _ = fmt.Fprint(w, "<html><head><title>Crypto chats</title></head><body>"+
			card("alpha", "Alpha Chat", "12.5k", "1.2k", "1 024")+
			card("bravo", "Bravo", "830", "95", "40")+
			card("charlie_x", "Charlie", "2m", "3", "7")+
			"</body></html>")
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func newScraper(t *testing.T, s *site, store Store, pauser *monitortest.Pauser, cfg Config) *Scraper {
	t.Helper()
	cfg.BaseURL = s.server.URL
	return New(cfg, store, nil, monitortest.NewClock(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)), pauser, zap.NewNop())
}

func TestTopicsUpsertsCategories(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	store := storemem.NewGroupStore()
	sc := newScraper(t, s, store, &monitortest.Pauser{}, Config{})

	topics, err := sc.Topics(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"Cryptocurrencies": "/ratings/chats/crypto?sort=members",
		"Politics":         "/ratings/chats/politics?sort=members",
	}, topics)

	topic, err := store.GetTopic(context.Background(), "Politics")
	require.NoError(t, err)
	require.Equal(t, "/ratings/chats/politics?sort=members", topic.Href)
}

func TestDiscoverQueuesCandidates(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	store := storemem.NewGroupStore()
	store.PutGroup(monitor.Group{Username: "bravo", State: monitor.StateInside, WorkerID: 0})
	sc := newScraper(t, s, store, &monitortest.Pauser{}, Config{})
	ctx := context.Background()

	report, err := sc.Discover(ctx, "Cryptocurrencies")
	require.NoError(t, err)
	require.Equal(t, Report{Topic: "Cryptocurrencies", Found: 3, Added: 2}, report)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	g, err := store.ClaimPending(ctx, 0, time.Now())
	require.NoError(t, err)
	require.Equal(t, "alpha", g.Username)
	require.Equal(t, "Cryptocurrencies", g.Topic)
	require.Equal(t, "Alpha Chat", g.ChatName)
	require.Equal(t, s.server.URL+"/chat/@alpha/stat", g.ExternalLink)

	topic, err := store.GetTopic(ctx, "Cryptocurrencies")
	require.NoError(t, err)
	require.Len(t, topic.GatheredAt, 1)

	again, err := sc.Discover(ctx, "Cryptocurrencies")
	require.NoError(t, err)
	require.Zero(t, again.Added)
}

func TestDiscoverRespectsLimit(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	store := storemem.NewGroupStore()
	sc := newScraper(t, s, store, &monitortest.Pauser{}, Config{Limit: 1})

	report, err := sc.Discover(context.Background(), "Cryptocurrencies")
	require.NoError(t, err)
	require.Equal(t, 1, report.Found)
	require.Equal(t, 1, report.Added)
}

func TestDiscoverRetriesThrottledPages(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	s.throttles.Store(2)
	pauser := &monitortest.Pauser{}
	sc := newScraper(t, s, storemem.NewGroupStore(), pauser, Config{RetryPause: 5 * time.Second})

	report, err := sc.Discover(context.Background(), "Cryptocurrencies")
	require.NoError(t, err)
	require.Equal(t, 3, report.Found)
	require.Equal(t, int32(3), s.hits.Load())
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, pauser.Delays())
}

func TestDiscoverGivesUpAfterMaxRequests(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	s.throttles.Store(10)
	sc := newScraper(t, s, storemem.NewGroupStore(), &monitortest.Pauser{}, Config{MaxRequests: 2})

	_, err := sc.Discover(context.Background(), "Cryptocurrencies")
	require.ErrorIs(t, err, ErrTooManyRequests)
	require.Equal(t, int32(2), s.hits.Load())
}

func TestDiscoverUnknownTopic(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	sc := newScraper(t, s, storemem.NewGroupStore(), &monitortest.Pauser{}, Config{})

	_, err := sc.Discover(context.Background(), "Gardening")
	require.ErrorIs(t, err, ErrUnknownTopic)
}

func TestParseCount(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"812":   812,
		"1.2k":  1200,
		"12.5K": 12500,
		"3m":    3000000,
		"1 024": 1024,
		"":      0,
		"n/a":   0,
	}
	for in, want := range cases {
		require.Equal(t, want, parseCount(in), in)
	}
}

func TestRankingURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://x.test/ratings/chats/crypto/public?sort=mau",
		rankingURL("https://x.test", "/ratings/chats/crypto?sort=members", "mau"))
	require.Equal(t, "https://y.test/c/public?sort=members",
		rankingURL("https://x.test", "https://y.test/c", "members"))
}

func TestIsThrottlePage(t *testing.T) {
	t.Parallel()

	require.True(t, isThrottlePage([]byte("<title>Error 429</title>")))
	require.False(t, isThrottlePage([]byte("<title>Crypto</title><p>429 members</p>")))
}
