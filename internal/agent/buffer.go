package agent

import "sync"

// tailBuffer keeps the last N lines of output.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{
		lines: make([]string, size),
		size:  size,
	}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % b.size
	if b.pos == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines oldest-first.
func (b *tailBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.pos)
		copy(out, b.lines[:b.pos])
		return out
	}

	out := make([]string, 0, b.size)
	out = append(out, b.lines[b.pos:]...)
	out = append(out, b.lines[:b.pos]...)
	return out
}
