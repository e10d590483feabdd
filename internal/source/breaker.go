package source

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/pageflow/pageflow/internal/circuit"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

// GuardedSource wraps a Source with a circuit breaker: once the backend
// looks down, fetches fast-fail with a retryable NetworkError instead of
// burning a pipeline slot per attempt until the timeout.
type GuardedSource struct {
	inner   Source
	breaker *circuit.Breaker
}

// Guard wraps src with a breaker. A nil breaker gets default settings.
func Guard(src Source, breaker *circuit.Breaker, logger *log.Logger) *GuardedSource {
	if breaker == nil {
		cfg := circuit.Config{}
		if logger != nil {
			l := logger.With("component", "source")
			cfg.OnStateChange = func(from, to circuit.State) {
				l.Warn("breaker transition", "from", from, "to", to)
			}
		}
		breaker = circuit.New(cfg)
	}
	return &GuardedSource{inner: src, breaker: breaker}
}

// Fetch implements Source.
func (g *GuardedSource) Fetch(ctx context.Context, pageNumber int) ([]byte, string, error) {
	if !g.breaker.Allow() {
		return nil, "", rejected(pageNumber)
	}
	body, url, err := g.inner.Fetch(ctx, pageNumber)
	g.breaker.Record(err)
	return body, url, err
}

// Head implements Source.
func (g *GuardedSource) Head(ctx context.Context, pageNumber int) error {
	if !g.breaker.Allow() {
		return rejected(pageNumber)
	}
	err := g.inner.Head(ctx, pageNumber)
	g.breaker.Record(err)
	return err
}

// Breaker exposes the underlying breaker for diagnostics.
func (g *GuardedSource) Breaker() *circuit.Breaker {
	return g.breaker
}

func rejected(pageNumber int) error {
	return pferrors.New(pferrors.ErrCodeNetworkError, "asset source unavailable (breaker open)").
		WithComponent("source").WithPage(pageNumber)
}
