package filewriter

import "time"

// FlushPacer batches the flushes of backends that rewrite a whole file on
// every write. A write is due once the changes pending since the last
// write reach Ratio times the changes already written, or once MaxDelay
// has passed since the last write. A field grown one frame at a time and
// flushed after every frame is then rewritten a logarithmic number of
// times instead of once per frame.
type FlushPacer struct {
	Ratio    float64
	MaxDelay time.Duration

	now     func() time.Time
	written uint64
	pending uint64
	last    time.Time
}

// NewFlushPacer returns a pacer writing after every eighth of the written
// changes or at least every two seconds.
func NewFlushPacer() *FlushPacer {
	return &FlushPacer{Ratio: 0.125, MaxDelay: 2 * time.Second, now: time.Now}
}

// Touch records one change.
func (p *FlushPacer) Touch() { p.pending++ }

// Pending reports whether changes wait to be written.
func (p *FlushPacer) Pending() bool { return p.pending > 0 }

// Due reports whether the pending changes should be written now.
func (p *FlushPacer) Due() bool {
	switch {
	case p.pending == 0:
		return false
	case p.last.IsZero():
		return true
	case float64(p.pending) >= p.Ratio*float64(p.written):
		return true
	default:
		return p.now().Sub(p.last) >= p.MaxDelay
	}
}

// Done records that every pending change was written.
func (p *FlushPacer) Done() {
	p.written += p.pending
	p.pending = 0
	p.last = p.now()
}
