package paint

import (
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// TraceSurface mirrors every submitted batch as one JSON object per line.
// It is wired behind the paint.trace_file setting and doubles as a test
// surface for frame-level assertions.
type TraceSurface struct {
	mu   sync.Mutex
	w    io.Writer
	json jsoniter.API
	errs int
}

// NewTraceSurface writes batches to w.
func NewTraceSurface(w io.Writer) *TraceSurface {
	return &TraceSurface{
		w:    w,
		json: jsoniter.ConfigCompatibleWithStandardLibrary,
	}
}

// Submit encodes the batch as a JSON line. Encoding failures are counted,
// never fatal; tracing must not stall the pipeline.
func (s *TraceSurface) Submit(b Batch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := s.json.NewEncoder(s.w)
	if err := enc.Encode(b); err != nil {
		s.errs++
		return false
	}
	return true
}

// EncodeErrors reports how many batches failed to serialize.
func (s *TraceSurface) EncodeErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}
