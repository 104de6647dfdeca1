package render

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Default stage deadlines.
const (
	DefaultWorkerTimeout   = 30 * time.Second
	DefaultFallbackTimeout = 60 * time.Second
	DefaultPageTimeout     = 15 * time.Second
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	WorkerTimeout   time.Duration
	FallbackTimeout time.Duration
	PageTimeout     time.Duration
}

// Loader opens a document through the worker opener, falls back to the inline
// opener when the worker is unavailable or too slow, then renders every page.
// Each stage races its deadline; an abandoned call is left to finish on its own.
type Loader struct {
	worker   Opener
	fallback Opener
	opts     LoaderOptions
	logger   *zap.Logger
}

// NewLoader builds a Loader. worker may be nil, in which case every load goes
// straight to fallback.
func NewLoader(worker, fallback Opener, opts LoaderOptions, logger *zap.Logger) *Loader {
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = DefaultWorkerTimeout
	}
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = DefaultFallbackTimeout
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = DefaultPageTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{worker: worker, fallback: fallback, opts: opts, logger: logger}
}

// Load returns the pages of data in order.
func (l *Loader) Load(ctx context.Context, data []byte) ([]Page, error) {
	if err := Precheck(data); err != nil {
		return nil, err
	}

	doc, err := l.open(ctx, data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	n := doc.NumPages()
	if n == 0 {
		return nil, ErrNoPages
	}

	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		pageNumber := i
		page, err := race(ctx, "render page", l.opts.PageTimeout, func() (Page, error) {
			return doc.RenderPage(ctx, pageNumber)
		})
		if err != nil {
			l.logger.Warn("Page render failed", zap.Int("page", pageNumber), zap.Error(err))
			return nil, err
		}
		pages = append(pages, page)
	}

	l.logger.Debug("Document loaded", zap.Int("pages", n))
	return pages, nil
}

func (l *Loader) open(ctx context.Context, data []byte) (Document, error) {
	if l.worker != nil {
		doc, err := race(ctx, "open document", l.opts.WorkerTimeout, func() (Document, error) {
			return l.worker.Open(ctx, data)
		})
		if err == nil {
			return doc, nil
		}
		var timeout *TimeoutError
		if !errors.Is(err, ErrWorkerUnavailable) && !errors.As(err, &timeout) {
			return nil, err
		}
		l.logger.Warn("Render worker failed, falling back to inline parsing", zap.Error(err))
	}

	return race(ctx, "open document", l.opts.FallbackTimeout, func() (Document, error) {
		return l.fallback.Open(ctx, data)
	})
}

func race[T any](ctx context.Context, op string, after time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	timer := time.NewTimer(after)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return zero, &TimeoutError{Op: op, After: after}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
