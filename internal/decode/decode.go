// Package decode runs CPU-heavy asset decoding on a bounded worker pool.
//
// The coordinating session never shares cache or queue state with workers:
// all communication is a closed request/response message protocol correlated
// by an opaque request id, and decoded assets move across the boundary with
// ownership transferred to the receiver. A decode that loses its caller
// (navigation superseded it) still runs to completion, and its result is
// released rather than leaked.
package decode

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/types"
)

// TargetSpec describes the size/quality the decoder should produce,
// derived from the current quality tier.
type TargetSpec struct {
	Scale            float64
	CompressionLevel int
	AcceleratedPath  bool
}

// Decoder turns raw asset bytes into a renderable PageAsset. This is the
// boundary to the excluded rendering backend.
type Decoder interface {
	Decode(ctx context.Context, pageNumber int, raw []byte, target TargetSpec) (*types.PageAsset, error)
}

// request and response form the closed message protocol between the
// coordinating session and the worker pool.
type request struct {
	id         uint64
	pageNumber int
	raw        []byte
	target     TargetSpec
	reply      chan response
}

type response struct {
	id    uint64
	asset *types.PageAsset
	err   error
}

// Pool is a bounded decode worker pool.
type Pool struct {
	decoder  Decoder
	requests chan request
	logger   *log.Logger
	nextID   atomic.Uint64
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool starts workers goroutines servicing decode requests. A
// non-positive worker count defaults to one per CPU core.
func NewPool(decoder Decoder, workers int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = log.Default()
	}

	p := &Pool{
		decoder:  decoder,
		requests: make(chan request, workers*2),
		logger:   logger.With("component", "decode"),
		stopCh:   make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Decode submits raw bytes for decoding and waits for the correlated
// response. If ctx expires while the decode is still running, the decode
// finishes in the background and its asset is released.
func (p *Pool) Decode(ctx context.Context, pageNumber int, raw []byte, target TargetSpec) (*types.PageAsset, error) {
	select {
	case <-p.stopCh:
		return nil, pferrors.New(pferrors.ErrCodeComponentStopped, "decode pool stopped").
			WithComponent("decode").WithPage(pageNumber)
	default:
	}

	req := request{
		id:         p.nextID.Add(1),
		pageNumber: pageNumber,
		raw:        raw,
		target:     target,
		reply:      make(chan response, 1),
	}

	select {
	case p.requests <- req:
	case <-p.stopCh:
		return nil, pferrors.New(pferrors.ErrCodeComponentStopped, "decode pool stopped").
			WithComponent("decode").WithPage(pageNumber)
	case <-ctx.Done():
		return nil, pferrors.New(pferrors.ErrCodeCanceled, "decode canceled before dispatch").
			WithComponent("decode").WithPage(pageNumber).WithCause(ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp.asset, resp.err
	case <-ctx.Done():
		// The decode runs to completion; only the pending acceptance of its
		// result is abandoned. Drain and release so nothing leaks.
		go func() {
			resp := <-req.reply
			if resp.asset != nil {
				resp.asset.Release()
			}
		}()
		return nil, pferrors.New(pferrors.ErrCodeCanceled, "decode result abandoned").
			WithComponent("decode").WithPage(pageNumber).WithCause(ctx.Err())
	}
}

// Close stops the pool and waits for in-flight decodes to finish.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.requests:
			asset, err := p.decode(req)
			req.reply <- response{id: req.id, asset: asset, err: err}
		}
	}
}

func (p *Pool) decode(req request) (asset *types.PageAsset, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("decoder panicked", "page", req.pageNumber, "panic", r)
			asset = nil
			err = pferrors.Newf(pferrors.ErrCodeDecodeError, "decoder panicked: %v", r).
				WithComponent("decode").WithPage(req.pageNumber)
		}
	}()
	return p.decoder.Decode(context.Background(), req.pageNumber, req.raw, req.target)
}

// PassthroughDecoder wraps raw bytes into a PageAsset without interpreting
// them. It stands in for a real rendering backend in tests and in headless
// deployments that only warm caches.
type PassthroughDecoder struct{}

// Decode implements Decoder.
func (PassthroughDecoder) Decode(_ context.Context, pageNumber int, raw []byte, _ TargetSpec) (*types.PageAsset, error) {
	if len(raw) == 0 {
		return nil, pferrors.New(pferrors.ErrCodeDecodeError, "empty asset body").
			WithComponent("decode").WithPage(pageNumber)
	}
	return &types.PageAsset{
		PageNumber: pageNumber,
		ByteSize:   int64(len(raw)),
		CreatedAt:  time.Now(),
		Data:       raw,
	}, nil
}
