// Package governor enforces the pipeline's resource footprint. A single
// writer samples CPU and memory usage once per scheduling window and
// publishes an immutable Budget snapshot that every other component reads.
// Consumers never mutate a Budget; they act on the copy they were handed
// until the next window.
package governor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
)

// Usage is one point-in-time resource sample. CPUTime is cumulative for
// the process; the governor diffs consecutive samples per window.
type Usage struct {
	CPUTime     time.Duration
	MemResident uint64
}

// Sampler supplies resource usage readings.
type Sampler interface {
	Sample() Usage
}

// ProcessSampler reads usage from the OS and the Go runtime.
type ProcessSampler struct{}

// Sample reports cumulative process CPU time via rusage and heap residency
// via runtime memstats.
func (ProcessSampler) Sample() Usage {
	var ru syscall.Rusage
	var cpu time.Duration
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		cpu = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Usage{CPUTime: cpu, MemResident: ms.HeapAlloc + ms.StackInuse}
}

// Governor owns budget production. Tick must only be called from one
// goroutine; Current and Subscribe are safe from any.
type Governor struct {
	cfg      config.GovernorConfig
	fetchCap int
	paintCap int
	sampler  Sampler
	log      *zap.Logger

	current atomic.Pointer[schemas.Budget]
	lastCPU time.Duration
	primed  bool

	subMu sync.Mutex
	subs  []chan schemas.Budget
}

// New creates a governor with the configured ceilings and the baseline
// fetch/paint caps that a Normal window restores.
func New(cfg *config.Config, sampler Sampler, logger *zap.Logger) *Governor {
	if sampler == nil {
		sampler = ProcessSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cfg:      cfg.Governor,
		fetchCap: cfg.Fetch.ConcurrencyCap,
		paintCap: cfg.Paint.CommandCap,
		sampler:  sampler,
		log:      logger.Named("governor"),
	}
	initial := schemas.Budget{
		Window:           time.Now(),
		Signal:           schemas.SignalNormal,
		FetchConcurrency: g.fetchCap,
		PaintCommandCap:  g.paintCap,
	}
	g.current.Store(&initial)
	return g
}

// Current returns the budget for the present window.
func (g *Governor) Current() schemas.Budget {
	return *g.current.Load()
}

// Subscribe returns a channel that receives each published budget. Delivery
// is latest-wins: a slow consumer sees the newest snapshot, not a backlog.
func (g *Governor) Subscribe() <-chan schemas.Budget {
	ch := make(chan schemas.Budget, 1)
	g.subMu.Lock()
	g.subs = append(g.subs, ch)
	g.subMu.Unlock()
	return ch
}

// Tick samples usage, decides the window's throttle signal, and publishes
// the resulting budget. Single writer.
func (g *Governor) Tick(now time.Time) schemas.Budget {
	u := g.sampler.Sample()

	var cpuDelta time.Duration
	if g.primed && u.CPUTime > g.lastCPU {
		cpuDelta = u.CPUTime - g.lastCPU
	}
	g.lastCPU = u.CPUTime
	g.primed = true

	cpuRatio := 0.0
	if g.cfg.WindowInterval > 0 {
		cpuShare := float64(cpuDelta) / float64(g.cfg.WindowInterval)
		cpuRatio = cpuShare / g.cfg.CPUCeiling
	}
	memRatio := float64(u.MemResident) / float64(g.cfg.MemCeilingBytes)

	worst := cpuRatio
	if memRatio > worst {
		worst = memRatio
	}

	b := schemas.Budget{
		Window:      now,
		CPUUsed:     cpuDelta,
		MemResident: u.MemResident,
	}
	switch {
	case worst <= 1:
		b.Signal = schemas.SignalNormal
		b.FetchConcurrency = g.fetchCap
		b.PaintCommandCap = g.paintCap
	case worst <= g.cfg.ShedFactor:
		b.Signal = schemas.SignalThrottle
		b.FetchConcurrency = halve(g.fetchCap)
		b.PaintCommandCap = halve(g.paintCap)
	default:
		b.Signal = schemas.SignalShed
		b.FetchConcurrency = 1
		b.PaintCommandCap = quarter(g.paintCap)
	}

	prev := g.current.Load()
	if prev.Signal != b.Signal {
		g.log.Info("throttle signal changed",
			zap.Stringer("from", prev.Signal),
			zap.Stringer("to", b.Signal),
			zap.Duration("cpu_used", cpuDelta),
			zap.Uint64("mem_resident", u.MemResident))
	}

	g.current.Store(&b)
	g.publish(b)
	return b
}

func (g *Governor) publish(b schemas.Budget) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- b:
		default:
			// Replace the stale pending snapshot with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- b:
			default:
			}
		}
	}
}

// Run ticks once per scheduling window until the context ends.
func (g *Governor) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.WindowInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			g.Tick(now)
		}
	}
}

func halve(v int) int {
	if v <= 1 {
		return 1
	}
	return v / 2
}

func quarter(v int) int {
	if v <= 3 {
		return 1
	}
	return v / 4
}
