package engine

import "sync"

// history keeps the most recent runs, oldest first.
type history struct {
	mu   sync.Mutex
	size int
	runs []Record
}

func (h *history) setSize(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = n
	h.trim()
}

func (h *history) add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, r)
	h.trim()
}

func (h *history) trim() {
	if extra := len(h.runs) - h.size; h.size > 0 && extra > 0 {
		h.runs = append(h.runs[:0:0], h.runs[extra:]...)
	}
}

func (h *history) list() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record{}, h.runs...)
}
