// Package schemas defines the shared data contracts of the rendering
// pipeline: fetch priorities and task states, governor signals, and the
// per-window resource budget snapshot exchanged between components.
package schemas

import (
	"strings"
	"time"
)

// FetchPriority orders pending resource fetches. Higher values win.
type FetchPriority int

const (
	PriorityBackground FetchPriority = iota
	PriorityNearViewport
	PriorityVisible
)

func (p FetchPriority) String() string {
	switch p {
	case PriorityVisible:
		return "visible"
	case PriorityNearViewport:
		return "near_viewport"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Promoted returns the priority one tier above p, saturating at Visible.
// Used by the scheduler's starvation override.
func (p FetchPriority) Promoted() FetchPriority {
	if p >= PriorityVisible {
		return PriorityVisible
	}
	return p + 1
}

// TaskState tracks the lifecycle of a FetchTask.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskInFlight
	TaskComplete
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskInFlight:
		return "in_flight"
	case TaskComplete:
		return "complete"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResourceKind classifies a fetched resource by its MIME type.
type ResourceKind int

const (
	ResourceOther ResourceKind = iota
	ResourceDocument
	ResourceStylesheet
	ResourceImage
	ResourceScript
	ResourceFont
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceDocument:
		return "document"
	case ResourceStylesheet:
		return "stylesheet"
	case ResourceImage:
		return "image"
	case ResourceScript:
		return "script"
	case ResourceFont:
		return "font"
	default:
		return "other"
	}
}

// DetectResourceKind maps a Content-Type header value to a ResourceKind.
func DetectResourceKind(contentType string) ResourceKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return ResourceDocument
	case strings.Contains(ct, "text/css"):
		return ResourceStylesheet
	case strings.HasPrefix(ct, "image/"):
		return ResourceImage
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
		return ResourceScript
	case strings.Contains(ct, "font/"), strings.Contains(ct, "woff"), strings.Contains(ct, "truetype"):
		return ResourceFont
	default:
		return ResourceOther
	}
}

// GovernorSignal is the throttle state emitted by the resource governor once
// per scheduling window. It is the sole mechanism enforcing the global
// low-footprint guarantee; no component may independently exceed budget.
type GovernorSignal int

const (
	// SignalNormal allows full configured concurrency and paint caps.
	SignalNormal GovernorSignal = iota
	// SignalThrottle proportionally reduces fetch concurrency and the
	// per-frame paint command cap.
	SignalThrottle
	// SignalShed additionally cancels background fetches and defers all
	// offscreen layout work until usage drops below the ceiling.
	SignalShed
)

func (s GovernorSignal) String() string {
	switch s {
	case SignalNormal:
		return "normal"
	case SignalThrottle:
		return "throttle"
	case SignalShed:
		return "shed"
	default:
		return "unknown"
	}
}

// Budget is the immutable per-window resource snapshot published by the
// governor after each Tick. Components treat it as read-only between ticks.
type Budget struct {
	// Window is the scheduling window this snapshot was taken for.
	Window time.Time
	// Signal is the throttle decision for the window.
	Signal GovernorSignal
	// CPUUsed is the estimated pipeline CPU time spent in the window.
	CPUUsed time.Duration
	// MemResident is the sampled resident memory of the pipeline, in bytes.
	MemResident uint64
	// FetchConcurrency is the effective in-flight fetch cap for the window.
	FetchConcurrency int
	// PaintCommandCap bounds the number of paint commands per frame.
	PaintCommandCap int
}

// AllowsBackground reports whether background-priority fetches may be
// admitted under this budget.
func (b Budget) AllowsBackground() bool {
	return b.Signal == SignalNormal
}
