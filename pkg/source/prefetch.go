package source

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The prefetch unit. Chunks are far bigger than pages so the streaming read
// amortizes well without holding much memory.
const prefetchChunkSize = int64(4 << 20) // 4 MB

var prefetchPool = newSlicePool(prefetchChunkSize)

// Prefetcher wraps a Source and streams the whole image once, front to back,
// with bounded concurrency. The point is warming the OS page cache so
// fault-time reads rarely wait on the disk; no guest-visible page is
// populated, so the loader's lazy residency semantics are untouched.
type Prefetcher struct {
	Source

	cancel  context.CancelFunc
	eg      *errgroup.Group
	ctx     context.Context
	done    chan struct{}
	started bool
}

func NewPrefetcher(src Source, concurrency int) *Prefetcher {
	ctx, cancel := context.WithCancel(context.Background())

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	return &Prefetcher{
		Source: src,
		cancel: cancel,
		eg:     eg,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
}

// Start launches the warm-up in the background and returns immediately.
func (p *Prefetcher) Start() {
	p.started = true

	go func() {
		defer close(p.done)

		size := p.Source.Size()

		for off := int64(0); off < size; off += prefetchChunkSize {
			if p.ctx.Err() != nil {
				return
			}

			off := off

			p.eg.Go(func() error {
				length := prefetchChunkSize
				if size-off < length {
					length = size - off
				}

				b := prefetchPool.get()
				defer prefetchPool.put(b)

				if _, err := p.Source.ReadAt(b[:length], off); err != nil {
					// Warm-up is best effort; the pager's own read will
					// surface real I/O errors.
					zap.L().Debug("prefetch read failed",
						zap.Int64("offset", off),
						zap.Error(err))
				}

				return nil
			})
		}
	}()
}

// Close stops the warm-up, waits for in-flight reads and closes the
// underlying source.
func (p *Prefetcher) Close() error {
	p.cancel()

	if p.started {
		<-p.done
		_ = p.eg.Wait()
	}

	return p.Source.Close()
}
