package agent

import "sync"

// Hit is one analytics request observed in a tab.
type Hit struct {
	// Timestamp is Unix milliseconds.
	Timestamp int64             `json:"timestamp"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	EventName string            `json:"eventName,omitempty"`
	Params    map[string]string `json:"params"`
	// ID is the measurement or pixel id, when present.
	ID string `json:"id,omitempty"`
}

// HitBuffers keeps the most recent hits per tab, up to a fixed capacity.
// Older hits are evicted first.
type HitBuffers struct {
	mu   sync.RWMutex
	cap  int
	tabs map[int][]Hit
}

// NewHitBuffers creates buffers holding at most capacity hits per tab.
func NewHitBuffers(capacity int) *HitBuffers {
	if capacity < 1 {
		capacity = 1
	}
	return &HitBuffers{cap: capacity, tabs: make(map[int][]Hit)}
}

// Cap returns the per-tab capacity.
func (b *HitBuffers) Cap() int { return b.cap }

// Record appends hit to tab's buffer, evicting from the front past capacity.
func (b *HitBuffers) Record(tabID int, hit Hit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.tabs[tabID], hit)
	if over := len(buf) - b.cap; over > 0 {
		// Copy down so the backing array does not grow without bound.
		buf = append(buf[:0:0], buf[over:]...)
	}
	b.tabs[tabID] = buf
}

// Clear empties tab's buffer.
func (b *HitBuffers) Clear(tabID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, tabID)
}

// Read returns a copy of tab's buffer, oldest first. It is never nil.
func (b *HitBuffers) Read(tabID int) []Hit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Hit, len(b.tabs[tabID]))
	copy(out, b.tabs[tabID])
	return out
}

// Len returns the number of hits held for tab.
func (b *HitBuffers) Len(tabID int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tabs[tabID])
}

// Hits groups the two buffer families.
type Hits struct {
	GA4       *HitBuffers
	MetaPixel *HitBuffers
}

// NewHits creates both families with the same capacity.
func NewHits(capacity int) *Hits {
	return &Hits{GA4: NewHitBuffers(capacity), MetaPixel: NewHitBuffers(capacity)}
}

// ClearTab empties both families for tab. A navigation invalidates all
// previously observed hits.
func (h *Hits) ClearTab(tabID int) {
	h.GA4.Clear(tabID)
	h.MetaPixel.Clear(tabID)
}
