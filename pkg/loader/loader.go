package loader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/RaresBorcea/OS-loader/pkg/exec"
	"github.com/RaresBorcea/OS-loader/pkg/platform"
	"github.com/RaresBorcea/OS-loader/pkg/source"
)

// SourceFactory opens the image file for the pager's reads.
type SourceFactory func(path string) (source.Source, error)

// Loader demand-pages one executable image at a time. The installed fault
// handler is process-wide state with no context parameter, so the in-flight
// execution lives in a single slot here.
type Loader struct {
	platform  platform.Platform
	parse     exec.Parser
	start     StartFunc
	newSource SourceFactory
	log       *zap.Logger

	mu        sync.Mutex
	installed bool

	state atomic.Pointer[execState]
}

type execState struct {
	table *Table
	src   source.Source
}

type Option func(*Loader)

// WithParser replaces the ELF parser with a caller-supplied one.
func WithParser(p exec.Parser) Option {
	return func(l *Loader) { l.parse = p }
}

// WithTrampoline replaces the startup trampoline.
func WithTrampoline(s StartFunc) Option {
	return func(l *Loader) { l.start = s }
}

// WithSourceFactory replaces how the image file is opened for reading.
func WithSourceFactory(f SourceFactory) Option {
	return func(l *Loader) { l.newSource = f }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.log = log }
}

func New(p platform.Platform, opts ...Option) *Loader {
	l := &Loader{
		platform: p,
		parse:    exec.Parse,
		start:    EntryJump,
		newSource: func(path string) (source.Source, error) {
			return source.NewFileSource(path)
		},
		log: zap.L(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Init installs the fault dispatcher. Called once per process, before any
// Execute.
func (l *Loader) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.installed {
		return fmt.Errorf("loader already initialized")
	}

	if err := l.platform.InstallFaultHandler(l.handleFault); err != nil {
		return fmt.Errorf("failed to install the fault handler: %w", err)
	}

	l.installed = true

	return nil
}

// Execute parses, loads and runs the image at path, then tears down every
// page it materialized. The guest must be single-threaded and must exit by
// returning through the trampoline: concurrent faults would race the
// residency bookkeeping and the fixed-address mapping. At most one Execute
// may be in flight per process.
//
// The returned error is non-nil when parsing or validation failed, when the
// trampoline reported failure, or when any teardown step failed.
func (l *Loader) Execute(path string, argv []string) error {
	l.mu.Lock()
	installed := l.installed
	l.mu.Unlock()

	if !installed {
		return fmt.Errorf("loader not initialized")
	}

	img, err := l.parse(path)
	if err != nil {
		return fmt.Errorf("failed to parse image: %w", err)
	}

	table, err := NewTable(img, l.platform.PageSize())
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	src, err := l.newSource(path)
	if err != nil {
		l.log.Fatal("cannot open image",
			zap.String("path", path),
			zap.Error(err))
	}

	st := &execState{table: table, src: src}
	if !l.state.CompareAndSwap(nil, st) {
		_ = src.Close()

		return fmt.Errorf("an execution is already in flight")
	}
	defer l.state.Store(nil)

	for _, e := range table.Entries() {
		if err := l.platform.Reserve(e.Seg.Vaddr, e.Span(table.pageSize), e.Seg.Perm); err != nil {
			l.log.Fatal("cannot reserve segment range",
				zap.String("segment", e.Seg.String()),
				zap.Error(err))
		}
	}

	l.log.Info("starting image",
		zap.String("path", path),
		zap.Int("segments", len(table.Entries())),
		zap.Uintptr("entry", img.Entry))

	startErr := l.start(img, argv)

	return errors.Join(startErr, l.teardown(table, src))
}

// handleFault classifies one access violation. First touches inside a loaded
// segment are paged in and resumed; everything else is declined to the
// previously installed handling.
func (l *Loader) handleFault(addr uintptr) platform.Decision {
	st := l.state.Load()
	if st == nil {
		return platform.Decline
	}

	e, page, ok := st.table.Find(addr)
	if !ok {
		l.log.Debug("fault outside every loaded segment",
			zap.Uintptr("addr", addr))

		return platform.Decline
	}

	if e.TestResident(page) {
		// The page exists, so the access violates its declared protection.
		l.log.Debug("fault on a resident page",
			zap.Uintptr("addr", addr),
			zap.String("segment", e.Seg.String()))

		return platform.Decline
	}

	if err := l.pageIn(st, e, page); err != nil {
		// There is no way to surface a recoverable error to the faulted
		// instruction; the image is partly mapped and cannot proceed.
		l.log.Fatal("cannot service page fault",
			zap.Uintptr("addr", addr),
			zap.String("segment", e.Seg.String()),
			zap.Int64("page", page),
			zap.Error(err))
	}

	return platform.Resume
}

// teardown unmaps every resident page, releases the segment reservations,
// frees the residency bitmaps and closes the image. Failures are aggregated
// into the returned error rather than aborting the sweep.
func (l *Loader) teardown(table *Table, src source.Source) error {
	var errs []error

	for _, e := range table.Entries() {
		e.EachResident(func(page int64) {
			addr := e.Seg.Vaddr + uintptr(page*table.pageSize)
			if err := l.platform.Unmap(addr, table.pageSize); err != nil {
				errs = append(errs, fmt.Errorf("failed to unmap page %d of %s: %w", page, e.Seg, err))
			}
		})

		if err := l.platform.Release(e.Seg.Vaddr, e.Span(table.pageSize)); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s: %w", e.Seg, err))
		}

		e.DropResidency()
	}

	if err := src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close image: %w", err))
	}

	return errors.Join(errs...)
}
