package extract

import (
	"context"
	"encoding/json"
	"fmt"
)

// PreviewEvent is one event seen by the GTM preview debugger.
type PreviewEvent struct {
	Number int            `json:"eventNumber"`
	Name   string         `json:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// PreviewSnapshot is the debugger state at one point in time.
type PreviewSnapshot struct {
	// SessionToken identifies the preview session. It changes when the
	// debugger starts a new session, which restarts event numbering.
	SessionToken string         `json:"sessionToken"`
	Containers   []string       `json:"containers,omitempty"`
	Events       []PreviewEvent `json:"events"`
}

// Highest returns the largest event number in the snapshot, or 0.
func (s PreviewSnapshot) Highest() int {
	high := 0
	for _, e := range s.Events {
		if e.Number > high {
			high = e.Number
		}
	}
	return high
}

// Since returns the events numbered above n, in snapshot order.
func (s PreviewSnapshot) Since(n int) []PreviewEvent {
	out := []PreviewEvent{}
	for _, e := range s.Events {
		if e.Number > n {
			out = append(out, e)
		}
	}
	return out
}

// GTMPreview reads the preview-mode event stream of the attached tab.
func GTMPreview(ctx context.Context, tab Tab) (PreviewSnapshot, error) {
	raw, err := tab.Eval(ctx, gtmPreviewJS)
	if err != nil {
		return PreviewSnapshot{}, fmt.Errorf("GTM preview extraction failed: %w", err)
	}
	var snap PreviewSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return PreviewSnapshot{}, fmt.Errorf("GTM preview extraction returned invalid data: %w", err)
	}
	return snap, nil
}
