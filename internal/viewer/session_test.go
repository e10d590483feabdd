package viewer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pageflow/pageflow/internal/config"
	"github.com/pageflow/pageflow/internal/source"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/types"
)

// assetServer serves fake page assets and counts requests per path.
type assetServer struct {
	mu   sync.Mutex
	hits map[string]int
}

func newAssetServer(t *testing.T) (*assetServer, *httptest.Server) {
	t.Helper()
	as := &assetServer{hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		as.hits[r.URL.Path]++
		as.mu.Unlock()
		fmt.Fprintf(w, "asset-bytes-for-%s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return as, srv
}

func (a *assetServer) hitCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

func newTestSession(t *testing.T, baseURL string, pages int) *Session {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Document.BasePath = baseURL
	cfg.Document.PageCount = pages
	cfg.Persistent.Path = filepath.Join(t.TempDir(), "warm.db")
	cfg.Network.ProbeURL = "" // no active probing in tests
	cfg.Logging.Level = "error"

	s, err := NewSession(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionNavigateLoadsPage(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 20)

	asset, err := s.Navigate(context.Background(), 1)
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if asset.PageNumber != 1 {
		t.Errorf("PageNumber = %d, want 1", asset.PageNumber)
	}
	if asset.ByteSize == 0 {
		t.Error("expected non-empty asset")
	}
	if s.CurrentPage() != 1 {
		t.Errorf("CurrentPage = %d, want 1", s.CurrentPage())
	}
}

func TestSessionNavigateOutOfBounds(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 10)

	for _, page := range []int{0, -3, 11} {
		_, err := s.Navigate(context.Background(), page)
		if !pferrors.IsNotFound(err) {
			t.Errorf("Navigate(%d) err = %v, want not-found", page, err)
		}
	}
}

func TestSequentialReadingPrefetchesAhead(t *testing.T) {
	as, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 40)

	ctx := context.Background()
	for page := 1; page <= 5; page++ {
		if _, err := s.Navigate(ctx, page); err != nil {
			t.Fatalf("Navigate(%d): %v", page, err)
		}
	}

	if got := s.Behavior(); got != types.BehaviorSequential {
		t.Fatalf("Behavior = %q, want %q", got, types.BehaviorSequential)
	}

	// The scheduler should fetch at least the next page in the background.
	nextPath := "/" + filepath.Base(source.PagePath(srv.URL, "webp", 4, 6))
	waitUntil(t, 2*time.Second, func() bool { return as.hitCount(nextPath) > 0 })

	// A later navigation into the prefetched range hits memory, not the
	// network: the request count for that path stays at one.
	if _, err := s.Navigate(ctx, 6); err != nil {
		t.Fatalf("Navigate(6): %v", err)
	}
	if got := as.hitCount(nextPath); got != 1 {
		t.Errorf("page 6 fetched %d times, want 1", got)
	}
}

func TestRepeatNavigationServedFromCache(t *testing.T) {
	as, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 20)

	ctx := context.Background()
	if _, err := s.Navigate(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Navigate(ctx, 3); err != nil {
		t.Fatal(err)
	}

	path := "/" + filepath.Base(source.PagePath(srv.URL, "webp", 4, 3))
	if got := as.hitCount(path); got != 1 {
		t.Errorf("page 3 fetched %d times, want 1", got)
	}

	stats := s.Stats(ctx)
	if stats.Memory.Hits == 0 {
		t.Error("expected at least one memory cache hit")
	}
}

func TestOverrideTierNotifiesSubscribers(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 10)

	events := make(chan types.TierConfig, 4)
	unsub := s.Subscribe(EventQualityChange, func(ev Event) {
		if tc, ok := ev.Payload.(types.TierConfig); ok {
			events <- tc
		}
	})
	defer unsub()

	if !s.OverrideTier(types.TierLow) {
		t.Fatal("OverrideTier(low) rejected")
	}
	if got := s.Tier(); got != types.TierLow {
		t.Errorf("Tier = %q, want %q", got, types.TierLow)
	}

	select {
	case tc := <-events:
		if tc.Tier != types.TierLow {
			t.Errorf("event tier = %q, want %q", tc.Tier, types.TierLow)
		}
	default:
		t.Fatal("no quality change event emitted")
	}

	if s.OverrideTier(types.QualityTier("imaginary")) {
		t.Error("unknown tier must be rejected")
	}
}

func TestCacheStatsEventOnNavigate(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 10)

	var (
		mu    sync.Mutex
		stats []types.CacheStats
	)
	s.Subscribe(EventCacheStats, func(ev Event) {
		if cs, ok := ev.Payload.(types.CacheStats); ok {
			mu.Lock()
			stats = append(stats, cs)
			mu.Unlock()
		}
	})

	if _, err := s.Navigate(context.Background(), 2); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stats) != 1 {
		t.Fatalf("got %d cache stats events, want 1", len(stats))
	}
	if stats[0].Entries == 0 {
		t.Error("cache stats event reports empty cache after navigation")
	}
}

func TestSessionStatsAggregates(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 10)

	ctx := context.Background()
	if _, err := s.Navigate(ctx, 1); err != nil {
		t.Fatal(err)
	}

	stats := s.Stats(ctx)
	if stats.Pipeline.Dispatched == 0 {
		t.Error("expected at least one dispatched fetch")
	}
	if stats.Persistent == nil {
		t.Error("persistent stats missing with store enabled")
	}
	if stats.Tier == "" {
		t.Error("tier missing from stats")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	_, srv := newAssetServer(t)
	s := newTestSession(t, srv.URL, 10)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	_, err := s.Navigate(context.Background(), 1)
	if pferrors.CodeOf(err) != pferrors.ErrCodeComponentStopped {
		t.Errorf("Navigate after Close err = %v, want component stopped", err)
	}
}
