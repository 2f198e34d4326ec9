// Package browser hosts the agent's tabs over the Chrome DevTools Protocol.
// It resolves tab ids to pages, records analytics hits from network events,
// clears them on navigation, and reports closed tabs.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/layerlink/layerlink/internal/agent"
	"github.com/layerlink/layerlink/internal/extract"
	"github.com/layerlink/layerlink/internal/logging"
)

// ErrTabNotFound is returned for an id that no longer names a live tab.
var ErrTabNotFound = extract.ErrTabNotFound

// TabCloseObserver is told when a tab goes away.
type TabCloseObserver interface {
	OnTabClosed(tabID int) bool
}

// TabInfo describes an open tab.
type TabInfo struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	TargetID string `json:"targetId"`
}

// TabID derives a stable 31-bit tab id from a CDP target id.
func TabID(target proto.TargetTargetID) int {
	h := fnv.New32a()
	h.Write([]byte(target))
	return int(h.Sum32() & 0x7fffffff)
}

// Host is a connection to a running Chrome.
type Host struct {
	browser *rod.Browser
	hits    *agent.Hits
	closer  TabCloseObserver
	logger  *slog.Logger

	mu      sync.Mutex
	watched map[proto.TargetTargetID]context.CancelFunc
	onTabs  []func()
}

// Connect attaches to the Chrome DevTools endpoint at cdpURL, which may be
// an http://host:port address or a ws:// debugger URL.
func Connect(ctx context.Context, cdpURL string, hits *agent.Hits, closer TabCloseObserver) (*Host, error) {
	controlURL, err := launcher.ResolveURL(cdpURL)
	if err != nil {
		return nil, fmt.Errorf("resolve CDP endpoint %s: %w", cdpURL, err)
	}
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	h := &Host{
		browser: b,
		hits:    hits,
		closer:  closer,
		logger:  logging.Browser(),
		watched: make(map[proto.TargetTargetID]context.CancelFunc),
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}
	go b.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				go h.watch(e.TargetInfo.TargetID)
				h.tabsChanged()
			}
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				h.tabsChanged()
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			h.targetGone(e.TargetID)
		},
		func(e *proto.TargetTargetCrashed) {
			h.targetGone(e.TargetID)
		},
	)()

	tabs, err := h.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tabs {
		go h.watch(proto.TargetTargetID(t.TargetID))
	}
	h.logger.Info("Connected to Chrome", "endpoint", cdpURL, "tabs", len(tabs))
	return h, nil
}

// OnTabsChanged registers fn to run when tabs open, close or change title.
func (h *Host) OnTabsChanged(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTabs = append(h.onTabs, fn)
}

func (h *Host) tabsChanged() {
	h.mu.Lock()
	fns := append([]func(){}, h.onTabs...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close disconnects from Chrome without closing it.
func (h *Host) Close() error {
	h.mu.Lock()
	for id, cancel := range h.watched {
		cancel()
		delete(h.watched, id)
	}
	h.mu.Unlock()
	return h.browser.Close()
}

// Tabs lists the open page targets.
func (h *Host) Tabs(ctx context.Context) ([]TabInfo, error) {
	res, err := proto.TargetGetTargets{}.Call(h.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	var tabs []TabInfo
	for _, t := range res.TargetInfos {
		if t.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		tabs = append(tabs, TabInfo{
			ID:       TabID(t.TargetID),
			Title:    t.Title,
			URL:      t.URL,
			TargetID: string(t.TargetID),
		})
	}
	return tabs, nil
}

// Find returns the tab whose id equals match, or whose title or URL
// contains it (case-insensitive). The first match wins.
func (h *Host) Find(ctx context.Context, match string) (TabInfo, error) {
	tabs, err := h.Tabs(ctx)
	if err != nil {
		return TabInfo{}, err
	}
	return findTab(tabs, match)
}

func findTab(tabs []TabInfo, match string) (TabInfo, error) {
	if id, err := strconv.Atoi(match); err == nil {
		for _, t := range tabs {
			if t.ID == id {
				return t, nil
			}
		}
	}
	needle := strings.ToLower(match)
	for _, t := range tabs {
		if strings.Contains(strings.ToLower(t.Title), needle) || strings.Contains(strings.ToLower(t.URL), needle) {
			return t, nil
		}
	}
	return TabInfo{}, fmt.Errorf("%w: no tab matches %q", ErrTabNotFound, match)
}

// Tab resolves a tab id to an evaluable page.
func (h *Host) Tab(ctx context.Context, tabID int) (extract.Tab, error) {
	tabs, err := h.Tabs(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tabs {
		if t.ID != tabID {
			continue
		}
		page, err := h.browser.PageFromTarget(proto.TargetTargetID(t.TargetID))
		if err != nil {
			return nil, fmt.Errorf("open tab %d: %w", tabID, err)
		}
		return &pageTab{page: page, info: t}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
}

// watch subscribes to one page's network and navigation events.
func (h *Host) watch(target proto.TargetTargetID) {
	h.mu.Lock()
	if _, ok := h.watched[target]; ok {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(h.browser.GetContext())
	h.watched[target] = cancel
	h.mu.Unlock()

	page, err := h.browser.PageFromTarget(target)
	if err != nil {
		h.logger.Debug("Cannot attach to tab", "target_id", target, "error", err)
		h.unwatch(target)
		return
	}
	page = page.Context(ctx)
	tabID := TabID(target)
	log := h.logger.With("tab_id", tabID)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug("Network domain unavailable", "error", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		log.Debug("Page domain unavailable", "error", err)
	}

	page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			ts := time.Now().UnixMilli()
			family, hits := Classify(e.Request.URL, e.Request.Method, e.Request.PostData, ts)
			for _, hit := range hits {
				switch family {
				case FamilyGA4:
					h.hits.GA4.Record(tabID, hit)
				case FamilyMetaPixel:
					h.hits.MetaPixel.Record(tabID, hit)
				}
			}
			if len(hits) > 0 {
				log.Debug("Recorded analytics hit", "family", family.String(), "count", len(hits))
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				h.hits.ClearTab(tabID)
				log.Debug("Main frame navigated, cleared hits", "url", e.Frame.URL)
			}
		},
	)()
}

func (h *Host) unwatch(target proto.TargetTargetID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.watched[target]; ok {
		cancel()
		delete(h.watched, target)
	}
}

func (h *Host) targetGone(target proto.TargetTargetID) {
	h.mu.Lock()
	_, known := h.watched[target]
	h.mu.Unlock()
	if !known {
		return
	}
	h.unwatch(target)

	tabID := TabID(target)
	h.hits.ClearTab(tabID)
	if h.closer != nil && h.closer.OnTabClosed(tabID) {
		h.logger.Info("Attached tab closed", "tab_id", tabID)
	}
	h.tabsChanged()
}

// pageTab adapts a rod page to extract.Tab.
type pageTab struct {
	page *rod.Page
	info TabInfo
}

func (t *pageTab) ID() int       { return t.info.ID }
func (t *pageTab) Title() string { return t.info.Title }
func (t *pageTab) URL() string   { return t.info.URL }

func (t *pageTab) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := t.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, err
	}
	return decodeResult(res.Value)
}

// decodeResult converts an evaluation result to raw JSON.
func decodeResult(v gson.JSON) (json.RawMessage, error) {
	if v.Nil() {
		return json.RawMessage("null"), nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode evaluation result: %w", err)
	}
	return data, nil
}
