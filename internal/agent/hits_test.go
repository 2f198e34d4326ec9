package agent

import (
	"fmt"
	"testing"
)

func hit(n int) Hit {
	return Hit{URL: fmt.Sprintf("https://www.google-analytics.com/g/collect?n=%d", n), EventName: fmt.Sprint(n)}
}

func TestHitBuffers_Eviction(t *testing.T) {
	b := NewHitBuffers(5)
	for i := 1; i <= 12; i++ {
		b.Record(1, hit(i))
	}
	got := b.Read(1)
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, h := range got {
		if want := fmt.Sprint(8 + i); h.EventName != want {
			t.Errorf("got[%d] = %s, want %s", i, h.EventName, want)
		}
	}
}

func TestHitBuffers_ClearThenPush(t *testing.T) {
	b := NewHitBuffers(3)
	for i := 0; i < 3; i++ {
		b.Record(1, hit(i))
	}
	b.Clear(1)
	b.Record(1, hit(99))
	if got := b.Read(1); len(got) != 1 || got[0].EventName != "99" {
		t.Errorf("Read = %+v", got)
	}
}

func TestHitBuffers_ReadIsACopy(t *testing.T) {
	b := NewHitBuffers(3)
	b.Record(1, hit(1))
	got := b.Read(1)
	got[0].EventName = "mutated"
	if b.Read(1)[0].EventName != "1" {
		t.Error("Read exposed the internal buffer")
	}
	if empty := b.Read(404); empty == nil || len(empty) != 0 {
		t.Errorf("Read of unknown tab = %#v, want empty slice", empty)
	}
}

func TestHits_ClearTabIsPerTab(t *testing.T) {
	h := NewHits(10)
	h.GA4.Record(7, hit(1))
	h.MetaPixel.Record(7, hit(2))
	h.GA4.Record(8, hit(3))

	h.ClearTab(7)

	if h.GA4.Len(7) != 0 || h.MetaPixel.Len(7) != 0 {
		t.Error("tab 7 buffers should be empty after navigation")
	}
	if h.GA4.Len(8) != 1 {
		t.Error("other tabs must be untouched")
	}
}
