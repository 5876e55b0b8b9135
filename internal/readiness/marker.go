package readiness

import (
	"bytes"
	"sync"
)

// MarkerWatcher scans a diagnostic stream for a literal marker token. It
// implements io.Writer so it can be teed alongside the stream's log sink, and
// Signal so the supervisor can wait on it. The token may arrive split across
// writes; a tail of the previous write is kept to catch the seam.
type MarkerWatcher struct {
	marker []byte

	mu   sync.Mutex
	tail []byte
	seen chan struct{}
	done bool
}

// NewMarkerWatcher watches for marker. An empty marker means the child has no
// start-signal contract: the watcher reports started immediately.
func NewMarkerWatcher(marker string) *MarkerWatcher {
	w := &MarkerWatcher{marker: []byte(marker), seen: make(chan struct{})}
	if len(w.marker) == 0 {
		close(w.seen)
		w.done = true
	}
	return w
}

func (w *MarkerWatcher) Started() <-chan struct{} { return w.seen }

// Write never fails and always reports the full length so it is safe inside
// an io.MultiWriter next to the real log sink.
func (w *MarkerWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return len(p), nil
	}
	buf := p
	if len(w.tail) > 0 {
		buf = append(append([]byte(nil), w.tail...), p...)
	}
	if bytes.Contains(buf, w.marker) {
		w.done = true
		w.tail = nil
		close(w.seen)
		return len(p), nil
	}
	keep := len(w.marker) - 1
	if keep > len(buf) {
		keep = len(buf)
	}
	w.tail = append(w.tail[:0], buf[len(buf)-keep:]...)
	return len(p), nil
}
