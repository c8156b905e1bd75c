// Package pipeline wires the rendering stages together: one goroutine owns
// document snapshots, style resolution, layout, and paint batching, while
// the fetch scheduler and the governor run beside it. All cross-stage
// coupling goes through the governor's budget and the scheduler's result
// stream.
package pipeline

import (
	"bytes"
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
	"github.com/xkilldash9x/wisp/internal/dom"
	"github.com/xkilldash9x/wisp/internal/fetch"
	"github.com/xkilldash9x/wisp/internal/governor"
	"github.com/xkilldash9x/wisp/internal/layout"
	"github.com/xkilldash9x/wisp/internal/paint"
	"github.com/xkilldash9x/wisp/internal/style"
)

// page is the per-navigation state. A new navigation replaces the whole
// struct; abandoned fetch results can never touch the new page.
type page struct {
	id      uuid.UUID
	base    *url.URL
	doc     *dom.Document
	styles  *style.Engine
	layout  *layout.Engine
	batcher *paint.Batcher

	// pending maps nodes to their outstanding fetch tasks so layout
	// passes can re-tier them as the viewport moves.
	pending map[dom.NodeID]*fetch.Task
}

// Pipeline renders one page at a time under a resource budget.
type Pipeline struct {
	cfg     *config.Config
	log     *zap.Logger
	fetcher fetch.Fetcher
	surface paint.Surface

	gov   *governor.Governor
	sched *fetch.Scheduler

	mu   sync.Mutex
	page *page

	scrollCh chan float64
}

// New assembles a pipeline. The surface receives every painted frame.
func New(cfg *config.Config, fetcher fetch.Fetcher, surface paint.Surface, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	gov := governor.New(cfg, nil, logger)
	return &Pipeline{
		cfg:      cfg,
		log:      logger.Named("pipeline"),
		fetcher:  fetcher,
		surface:  surface,
		gov:      gov,
		sched:    fetch.NewScheduler(cfg.Fetch, fetcher, gov, logger),
		scrollCh: make(chan float64, 1),
	}
}

// Governor exposes the budget source, mainly for hosts that want to
// observe throttle transitions.
func (p *Pipeline) Governor() *governor.Governor { return p.gov }

// Navigate loads the root document, builds the initial render state, and
// schedules every discovered subresource. Only a root fetch or parse
// failure aborts the navigation.
func (p *Pipeline) Navigate(ctx context.Context, rawURL string) error {
	base, err := url.Parse(rawURL)
	if err != nil {
		return &schemas.NavigationError{URL: rawURL, Err: err}
	}

	res, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return &schemas.NavigationError{URL: rawURL, Err: err}
	}

	doc, parsed, err := dom.Parse(bytes.NewReader(res.Data))
	if err != nil {
		return &schemas.NavigationError{URL: rawURL, Err: err}
	}

	// Drop all work belonging to the previous page before publishing the
	// new one.
	p.sched.Abandon()

	pg := &page{
		id:      uuid.New(),
		base:    base,
		doc:     doc,
		styles:  style.NewEngine(p.log),
		layout:  layout.NewEngine(p.cfg.Layout, p.log),
		batcher: paint.NewBatcher(uuid.New(), p.cfg.Paint, p.surface, p.log),
		pending: make(map[dom.NodeID]*fetch.Task),
	}

	for _, src := range parsed.InlineStyles {
		pg.styles.AddStylesheet(src)
	}

	// First layout pass so image priorities reflect real geometry.
	snap, err := doc.Snapshot(doc.Root())
	if err != nil {
		return &schemas.NavigationError{URL: rawURL, Err: err}
	}
	root := pg.layout.Recompute(pg.styles.Resolve(snap))

	for _, ref := range parsed.Stylesheets {
		abs := resolveRef(base, ref.URL)
		_ = doc.MarkResourcePending(ref.Node, abs)
		pg.pending[ref.Node] = p.sched.Enqueue(ref.Node, abs, schemas.PriorityVisible)
	}
	for _, ref := range parsed.Images {
		abs := resolveRef(base, ref.URL)
		prio := schemas.PriorityBackground
		if box, ok := pg.layout.BoxFor(ref.Node); ok {
			prio = pg.layout.Classify(box.Dims)
		}
		_ = doc.MarkResourcePending(ref.Node, abs)
		pg.pending[ref.Node] = p.sched.Enqueue(ref.Node, abs, prio)
	}
	doc.TakeDirty()

	pg.batcher.Update(root)

	p.mu.Lock()
	p.page = pg
	p.mu.Unlock()

	p.log.Info("navigation committed",
		zap.String("url", rawURL),
		zap.String("page", pg.id.String()),
		zap.Int("stylesheets", len(parsed.Stylesheets)),
		zap.Int("images", len(parsed.Images)))
	return nil
}

// SetScroll moves the viewport; the render loop picks it up on its next
// iteration.
func (p *Pipeline) SetScroll(y float64) {
	select {
	case p.scrollCh <- y:
	default:
		// A newer scroll position supersedes the unconsumed one.
		select {
		case <-p.scrollCh:
		default:
		}
		select {
		case p.scrollCh <- y:
		default:
		}
	}
}

// Run drives the governor, the fetch scheduler, and the render loop until
// the context ends.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.gov.Run(ctx) })
	g.Go(func() error { return p.sched.Run(ctx) })
	g.Go(func() error { return p.renderLoop(ctx) })
	return g.Wait()
}

// renderLoop is the single goroutine that touches style, layout, and paint
// state. Budget publications pace frame submission: each scheduling window
// flushes at most one frame of any oversized display list under the caps
// that window granted.
func (p *Pipeline) renderLoop(ctx context.Context) error {
	budgets := p.gov.Subscribe()

	for {
		var dirty <-chan struct{}
		p.mu.Lock()
		if p.page != nil {
			dirty = p.page.doc.DirtySignal()
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-dirty:
			p.renderPass(ctx)

		case y := <-p.scrollCh:
			if pg := p.currentPage(); pg != nil {
				pg.layout.SetScroll(y)
			}
			p.renderPass(ctx)

		case r := <-p.sched.Results():
			p.applyResult(r)
			p.renderPass(ctx)

		case <-budgets:
			// Continue progressive paint of an oversized display list
			// under the freshly published window budget.
			p.framePass(ctx)
		}
	}
}

func (p *Pipeline) currentPage() *page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// applyResult folds a terminal fetch outcome back into the document.
func (p *Pipeline) applyResult(r fetch.Result) {
	pg := p.currentPage()
	if pg == nil {
		return
	}
	delete(pg.pending, r.Task.Node)

	if r.Err != nil {
		// The node renders as a placeholder from here on.
		p.log.Warn("resource unresolved",
			zap.String("url", r.Task.URL),
			zap.Error(r.Err))
		_ = pg.doc.MarkResourceUnresolved(r.Task.Node)
		return
	}

	switch r.Resource.Kind {
	case schemas.ResourceStylesheet:
		pg.styles.AddStylesheet(string(r.Resource.Data))
	case schemas.ResourceImage:
		// Decoded image payloads stay with the surface; the document only
		// tracks readiness.
	}
	_ = pg.doc.MarkResourceReady(r.Task.Node)
}

// renderPass recomputes style and layout, re-tiers outstanding fetches,
// and rebuilds the paint list.
func (p *Pipeline) renderPass(ctx context.Context) {
	pg := p.currentPage()
	if pg == nil {
		return
	}

	pg.doc.TakeDirty()
	if removed := pg.doc.TakeDetached(); len(removed) > 0 {
		pg.styles.Evict(removed...)
		for _, id := range removed {
			delete(pg.pending, id)
		}
	}
	snap, err := pg.doc.Snapshot(pg.doc.Root())
	if err != nil {
		p.log.Error("snapshot failed", zap.Error(err))
		return
	}
	root := pg.layout.Recompute(pg.styles.Resolve(snap))

	for node := range pg.pending {
		if box, ok := pg.layout.BoxFor(node); ok {
			p.sched.UpdatePriority(node, pg.layout.Classify(box.Dims))
		}
	}

	pg.batcher.Update(root)
	p.framePass(ctx)
}

// framePass submits at most one frame under the current budget.
func (p *Pipeline) framePass(ctx context.Context) {
	pg := p.currentPage()
	if pg == nil {
		return
	}
	if _, err := pg.batcher.SubmitFrame(ctx, p.gov.Current()); err != nil && ctx.Err() == nil {
		p.log.Error("frame submission failed", zap.Error(err))
	}
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
