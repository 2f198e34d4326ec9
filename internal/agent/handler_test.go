package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layerlink/layerlink/internal/extract"
	"github.com/layerlink/layerlink/internal/protocol"
)

type scriptTab struct {
	id    int
	mu    sync.Mutex
	reply func(js string) (string, error)
}

func (t *scriptTab) ID() int       { return t.id }
func (t *scriptTab) Title() string { return "Example" }
func (t *scriptTab) URL() string   { return "https://example.com" }

func (t *scriptTab) Eval(_ context.Context, js string) (json.RawMessage, error) {
	t.mu.Lock()
	reply := t.reply
	t.mu.Unlock()
	out, err := reply(js)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

type tabMap map[int]extract.Tab

func (m tabMap) Tab(_ context.Context, id int) (extract.Tab, error) {
	if t, ok := m[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %d", extract.ErrTabNotFound, id)
}

type failingResolver struct{ err error }

func (r failingResolver) Tab(context.Context, int) (extract.Tab, error) { return nil, r.err }

func newHandler(t *testing.T, tabs tabMap) (*Handler, *StateStore, *Hits) {
	t.Helper()
	s, _ := openStore(t)
	hits := NewHits(10)
	return NewHandler(s, hits, tabs), s, hits
}

func payloadOf(t *testing.T, msg protocol.Message) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		t.Fatalf("payload not an object: %v", err)
	}
	return out
}

func TestHandle_NoAttachment(t *testing.T) {
	h, _, _ := newHandler(t, tabMap{})
	for _, call := range protocol.Calls() {
		start := time.Now()
		resp, ok := h.Handle(context.Background(), protocol.NewRequest(call.Request, "r-"+call.Name))
		if !ok {
			t.Fatalf("%s: no response", call.Name)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Errorf("%s: no-attachment path took %v", call.Name, time.Since(start))
		}
		if resp.Type != call.Response || resp.RequestID != "r-"+call.Name {
			t.Errorf("%s: envelope %+v", call.Name, resp)
		}
		msg, _ := payloadOf(t, resp)["error"].(string)
		if !strings.HasPrefix(msg, "No tab attached") {
			t.Errorf("%s: error = %q", call.Name, msg)
		}
	}
}

func TestHandle_DataLayer(t *testing.T) {
	tab := &scriptTab{id: 42, reply: func(string) (string, error) {
		return `{"dataLayer":[{"event":"page_view"}],"url":"https://example.com"}`, nil
	}}
	h, s, _ := newHandler(t, tabMap{42: tab})
	if err := s.Attach(42, "Example"); err != nil {
		t.Fatal(err)
	}

	resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestDataLayer, "r1"))
	p := payloadOf(t, resp)
	if _, hasErr := p["error"]; hasErr {
		t.Fatalf("unexpected error payload %v", p)
	}
	if dl, _ := p["dataLayer"].([]any); len(dl) != 1 {
		t.Errorf("dataLayer = %v", p["dataLayer"])
	}
}

func TestHandle_TabGone(t *testing.T) {
	h, s, _ := newHandler(t, tabMap{})
	s.Attach(42, "Example")
	resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestPageMetadata, "r1"))
	msg, _ := payloadOf(t, resp)["error"].(string)
	if !strings.Contains(msg, "no longer exists") {
		t.Errorf("error = %q", msg)
	}
	if a, ok := s.Attachment(); ok {
		t.Fatalf("attachment survived its tab: %+v", a)
	}

	// Later calls report the missing attachment instead of the dead tab.
	resp, _ = h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestDataLayer, "r2"))
	if msg, _ := payloadOf(t, resp)["error"].(string); msg != ErrNoTabAttached.Error() {
		t.Errorf("error = %q, want %q", msg, ErrNoTabAttached)
	}
}

func TestHandle_TabUnavailableKeepsAttachment(t *testing.T) {
	s, _ := openStore(t)
	h := NewHandler(s, NewHits(10), failingResolver{err: errors.New("cdp session busy")})
	s.Attach(42, "Example")

	resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestPageMetadata, "r1"))
	msg, _ := payloadOf(t, resp)["error"].(string)
	if !strings.Contains(msg, "not available") || !strings.Contains(msg, "cdp session busy") {
		t.Errorf("error = %q", msg)
	}
	if _, ok := s.Attachment(); !ok {
		t.Error("a transient resolver error detached the tab")
	}
}

func TestHandle_Hits(t *testing.T) {
	h, s, hits := newHandler(t, tabMap{})
	s.Attach(7, "Shop")
	hits.GA4.Record(7, Hit{EventName: "purchase"})
	hits.GA4.Record(8, Hit{EventName: "other-tab"})
	hits.MetaPixel.Record(7, Hit{EventName: "PageView"})

	resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestGA4Hits, "r1"))
	p := payloadOf(t, resp)
	list, _ := p["hits"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["eventName"] != "purchase" {
		t.Errorf("GA4 hits = %v", p["hits"])
	}

	resp, _ = h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestMetaPixelHits, "r2"))
	list, _ = payloadOf(t, resp)["hits"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["eventName"] != "PageView" {
		t.Errorf("Meta hits = %v", list)
	}
}

func TestHandle_IgnoresNonRequests(t *testing.T) {
	h, _, _ := newHandler(t, tabMap{})
	if _, ok := h.Handle(context.Background(), protocol.NewPing()); ok {
		t.Error("ping should not produce a response")
	}
}

func gtmSnapshot(token string, numbers ...int) string {
	var events []string
	for _, n := range numbers {
		events = append(events, fmt.Sprintf(`{"eventNumber":%d,"event":"e%d"}`, n, n))
	}
	return fmt.Sprintf(`{"sessionToken":%q,"events":[%s]}`, token, strings.Join(events, ","))
}

func TestHandle_GTMPreviewReportsOnlyNewEvents(t *testing.T) {
	snapshot := gtmSnapshot("tok-a", 1, 2, 3)
	tab := &scriptTab{id: 1, reply: func(string) (string, error) { return snapshot, nil }}
	h, s, _ := newHandler(t, tabMap{1: tab})
	s.Attach(1, "Preview")

	call := func() map[string]any {
		resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestGTMPreviewEvents, "r"))
		return payloadOf(t, resp)
	}

	p := call()
	if evs, _ := p["events"].([]any); len(evs) != 3 {
		t.Fatalf("first call events = %v", p["events"])
	}

	p = call()
	if evs, _ := p["events"].([]any); len(evs) != 0 {
		t.Errorf("repeat call should report nothing new, got %v", p["events"])
	}

	tab.mu.Lock()
	snapshot = gtmSnapshot("tok-a", 1, 2, 3, 4, 5)
	tab.mu.Unlock()
	p = call()
	if evs, _ := p["events"].([]any); len(evs) != 2 {
		t.Errorf("events after growth = %v", p["events"])
	}

	// A new session restarts numbering.
	tab.mu.Lock()
	snapshot = gtmSnapshot("tok-b", 1, 2)
	tab.mu.Unlock()
	p = call()
	if evs, _ := p["events"].([]any); len(evs) != 2 {
		t.Errorf("events after session change = %v", p["events"])
	}
	if c := s.Cursor(); c.PreviewSessionToken != "tok-b" || c.LastReportedEventNumber != 2 {
		t.Errorf("cursor = %+v", c)
	}
}

func TestHandle_GTMPreviewConcurrentCallsDoNotDuplicate(t *testing.T) {
	tab := &scriptTab{id: 1, reply: func(string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return gtmSnapshot("tok", 1, 2, 3, 4), nil
	}}
	h, s, _ := newHandler(t, tabMap{1: tab})
	s.Attach(1, "Preview")

	var wg sync.WaitGroup
	counts := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := h.Handle(context.Background(), protocol.NewRequest(protocol.KindRequestGTMPreviewEvents, "r"))
			var p struct {
				Events []json.RawMessage `json:"events"`
			}
			json.Unmarshal(resp.Payload, &p)
			counts <- len(p.Events)
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	if total != 4 {
		t.Errorf("events reported across concurrent calls = %d, want 4", total)
	}
}
