package paint

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
	"github.com/xkilldash9x/wisp/internal/layout"
)

// Surface receives finished batches. Submit must not block; a false return
// means the frame was dropped by the surface.
type Surface interface {
	Submit(Batch) bool
}

// ChannelSurface delivers batches over a channel, dropping frames when the
// consumer lags.
type ChannelSurface struct {
	ch chan Batch
}

func NewChannelSurface(depth int) *ChannelSurface {
	if depth < 1 {
		depth = 1
	}
	return &ChannelSurface{ch: make(chan Batch, depth)}
}

// Frames exposes the consumer side.
func (s *ChannelSurface) Frames() <-chan Batch { return s.ch }

func (s *ChannelSurface) Submit(b Batch) bool {
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// teeSurface mirrors every batch to two surfaces.
type teeSurface struct {
	a, b Surface
}

// Tee returns a surface that submits to both arguments. The primary's
// verdict decides whether the frame counts as delivered.
func Tee(a, b Surface) Surface { return &teeSurface{a: a, b: b} }

func (t *teeSurface) Submit(batch Batch) bool {
	ok := t.a.Submit(batch)
	t.b.Submit(batch)
	return ok
}

// Batcher slices a page's display list into budget-bounded frames.
type Batcher struct {
	page    uuid.UUID
	cfg     config.PaintConfig
	surface Surface
	limiter *rate.Limiter
	log     *zap.Logger

	seq     uint64
	pending []Command
	cursor  int
}

// NewBatcher creates a batcher for one page.
func NewBatcher(page uuid.UUID, cfg config.PaintConfig, surface Surface, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.MaxFramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxFramesPerSecond), 1)
	}
	return &Batcher{
		page:    page,
		cfg:     cfg,
		surface: surface,
		limiter: limiter,
		log:     logger.Named("paint"),
	}
}

// Update replaces the pending display list with a fresh flatten of the box
// tree. Any unfinished progressive delivery restarts from the new list.
func (b *Batcher) Update(root *layout.Box) {
	b.pending = BuildDisplayList(root)
	b.cursor = 0
}

// Pending reports how many commands still await delivery.
func (b *Batcher) Pending() int {
	return len(b.pending) - b.cursor
}

// BuildFrame cuts the next frame from the pending list under the window's
// command cap. The second return is false when nothing is pending.
func (b *Batcher) BuildFrame(budget schemas.Budget) (Batch, bool) {
	if b.cursor >= len(b.pending) {
		return Batch{}, false
	}

	limit := b.cfg.CommandCap
	if budget.PaintCommandCap > 0 && budget.PaintCommandCap < limit {
		limit = budget.PaintCommandCap
	}
	if limit < 1 {
		limit = 1
	}

	end := b.cursor + limit
	if end > len(b.pending) {
		end = len(b.pending)
	}

	b.seq++
	batch := Batch{
		Page:     b.page,
		Seq:      b.seq,
		Commands: b.pending[b.cursor:end],
		Partial:  end < len(b.pending),
	}
	b.cursor = end
	if b.cursor >= len(b.pending) {
		b.pending = nil
		b.cursor = 0
	}
	return batch, true
}

// SubmitFrame paces to the frame rate, cuts a frame, and hands it to the
// surface. It reports whether a frame was submitted.
func (b *Batcher) SubmitFrame(ctx context.Context, budget schemas.Budget) (bool, error) {
	if b.Pending() == 0 {
		return false, nil
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	batch, ok := b.BuildFrame(budget)
	if !ok {
		return false, nil
	}
	if !b.surface.Submit(batch) {
		b.log.Warn("frame dropped by surface",
			zap.Uint64("seq", batch.Seq),
			zap.Int("commands", len(batch.Commands)))
	}
	return true, nil
}
