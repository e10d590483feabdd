package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pageflow/pageflow/internal/config"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

// Source fetches raw page asset bytes from wherever the document is hosted.
// Implementations map transport failures onto the pipeline error taxonomy:
// NotFound for a missing asset, NetworkError for everything else.
type Source interface {
	// Fetch retrieves the asset bytes for a 1-based page number and returns
	// the resolved asset location alongside them.
	Fetch(ctx context.Context, pageNumber int) ([]byte, string, error)

	// Head checks asset existence without transferring the body. Used by
	// the network monitor for active probes.
	Head(ctx context.Context, pageNumber int) error
}

// PagePath resolves the deterministic asset path for a page. The 1-based
// external page number maps to a 0-based, zero-padded file index.
func PagePath(basePath, extension string, indexWidth, pageNumber int) string {
	if indexWidth <= 0 {
		indexWidth = 4
	}
	base := strings.TrimRight(basePath, "/")
	return fmt.Sprintf("%s/%0*d.%s", base, indexWidth, pageNumber-1, extension)
}

// New constructs the configured source backend.
func New(cfg *config.Configuration) (Source, error) {
	switch cfg.Source.Backend {
	case "s3":
		return NewS3Source(cfg)
	case "", "http":
		return NewHTTPSource(cfg), nil
	default:
		return nil, pferrors.Newf(pferrors.ErrCodeInvalidConfig, "unknown source backend %q", cfg.Source.Backend)
	}
}

// HTTPSource fetches page assets over plain HTTP GET/HEAD.
type HTTPSource struct {
	client     *http.Client
	basePath   string
	extension  string
	indexWidth int
}

// NewHTTPSource creates an HTTP asset source from configuration.
func NewHTTPSource(cfg *config.Configuration) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{
			// The pipeline bounds each fetch with its own context deadline;
			// this is a hard backstop for leaked requests.
			Timeout: cfg.Pipeline.FetchTimeout + 5*time.Second,
		},
		basePath:   cfg.Document.BasePath,
		extension:  cfg.Document.Extension,
		indexWidth: cfg.Document.IndexWidth,
	}
}

// Fetch retrieves the asset bytes for a page.
func (s *HTTPSource) Fetch(ctx context.Context, pageNumber int) ([]byte, string, error) {
	url := PagePath(s.basePath, s.extension, s.indexWidth, pageNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, url, pferrors.Newf(pferrors.ErrCodeNetworkError, "invalid asset url %s", url).
			WithComponent("source").WithPage(pageNumber).WithCause(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, url, mapTransportError(err, url, pageNumber)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, url, pferrors.Newf(pferrors.ErrCodeNotFound, "asset not found at %s", url).
			WithComponent("source").WithPage(pageNumber)
	case resp.StatusCode != http.StatusOK:
		return nil, url, pferrors.Newf(pferrors.ErrCodeNetworkError, "unexpected status %d for %s", resp.StatusCode, url).
			WithComponent("source").WithPage(pageNumber)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, url, mapTransportError(err, url, pageNumber)
	}
	return body, url, nil
}

// Head checks asset existence without transferring the body.
func (s *HTTPSource) Head(ctx context.Context, pageNumber int) error {
	url := PagePath(s.basePath, s.extension, s.indexWidth, pageNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return pferrors.Newf(pferrors.ErrCodeNetworkError, "invalid asset url %s", url).
			WithComponent("source").WithCause(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return mapTransportError(err, url, pageNumber)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return pferrors.Newf(pferrors.ErrCodeNotFound, "asset not found at %s", url).
			WithComponent("source").WithPage(pageNumber)
	}
	if resp.StatusCode != http.StatusOK {
		return pferrors.Newf(pferrors.ErrCodeNetworkError, "unexpected status %d for %s", resp.StatusCode, url).
			WithComponent("source").WithPage(pageNumber)
	}
	return nil
}

func mapTransportError(err error, url string, pageNumber int) error {
	code := pferrors.ErrCodeNetworkError
	if isDeadline(err) {
		code = pferrors.ErrCodeTimeout
	}
	return pferrors.Newf(code, "fetch failed for %s", url).
		WithComponent("source").WithPage(pageNumber).WithCause(err)
}

func isDeadline(err error) bool {
	for err != nil {
		if err == context.DeadlineExceeded {
			return true
		}
		if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
