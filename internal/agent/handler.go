package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/layerlink/layerlink/internal/extract"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
)

// TabResolver finds a live tab by id. A tab that no longer exists is
// reported with extract.ErrTabNotFound.
type TabResolver interface {
	Tab(ctx context.Context, tabID int) (extract.Tab, error)
}

// Handler answers relay requests against the attached tab.
type Handler struct {
	state  *StateStore
	hits   *Hits
	tabs   TabResolver
	logger *slog.Logger

	// gtmMu serializes the extract-then-advance sequence of the cursor.
	gtmMu sync.Mutex
}

// NewHandler creates a request handler.
func NewHandler(state *StateStore, hits *Hits, tabs TabResolver) *Handler {
	return &Handler{
		state:  state,
		hits:   hits,
		tabs:   tabs,
		logger: logging.Agent(),
	}
}

// Handle produces the response for req. Failures become error payloads; it
// never returns an error to the caller.
func (h *Handler) Handle(ctx context.Context, req protocol.Message) (protocol.Message, bool) {
	call, ok := protocol.CallForRequest(req.Type)
	if !ok {
		h.logger.Debug("Ignoring non-request message", "type", req.Type)
		return protocol.Message{}, false
	}
	log := logging.WithRequest(h.logger, call.Name, req.RequestID)

	payload, err := h.run(ctx, call, req)
	if err != nil {
		log.Debug("Request failed", "error", err)
		return protocol.NewErrorResponse(call.Response, req.RequestID, err.Error()), true
	}
	resp, err := protocol.NewResponse(call.Response, req.RequestID, payload)
	if err != nil {
		log.Warn("Failed to encode response", "error", err)
		return protocol.NewErrorResponse(call.Response, req.RequestID, err.Error()), true
	}
	return resp, true
}

func (h *Handler) run(ctx context.Context, call protocol.Call, req protocol.Message) (map[string]any, error) {
	att, err := h.state.RequireAttachment()
	if err != nil {
		return nil, err
	}

	switch call.Request {
	case protocol.KindRequestGA4Hits:
		return hitsPayload(att, h.hits.GA4), nil
	case protocol.KindRequestMetaPixelHits:
		return hitsPayload(att, h.hits.MetaPixel), nil
	}

	tab, err := h.tabs.Tab(ctx, att.TabID)
	if errors.Is(err, extract.ErrTabNotFound) {
		// The tab closed without a close event reaching us, e.g. while the
		// agent was down.
		h.state.OnTabClosed(att.TabID)
		return nil, fmt.Errorf("attached tab %d (%s) no longer exists and was detached; attach to another tab", att.TabID, att.TabTitle)
	}
	if err != nil {
		return nil, fmt.Errorf("attached tab %d (%s) is not available: %w", att.TabID, att.TabTitle, err)
	}

	switch call.Request {
	case protocol.KindRequestDataLayer:
		return extract.DataLayer(ctx, tab)
	case protocol.KindRequestStructuredData:
		return extract.StructuredData(ctx, tab)
	case protocol.KindRequestPageMetadata:
		return extract.PageMetadata(ctx, tab)
	case protocol.KindRequestCrawlability:
		return extract.Crawlability(ctx, tab)
	case protocol.KindRequestGTMPreviewEvents:
		return h.gtmPreview(ctx, tab)
	default:
		return nil, fmt.Errorf("unsupported request %s", req.Type)
	}
}

func (h *Handler) gtmPreview(ctx context.Context, tab extract.Tab) (map[string]any, error) {
	h.gtmMu.Lock()
	defer h.gtmMu.Unlock()

	snap, err := extract.GTMPreview(ctx, tab)
	if err != nil {
		return nil, err
	}
	// AdvanceCursor reads the stored cursor now, after the extraction.
	baseline, cur, err := h.state.AdvanceCursor(snap.SessionToken, snap.Highest())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"events":                  snap.Since(baseline),
		"sessionToken":            cur.PreviewSessionToken,
		"previousEventNumber":     baseline,
		"lastReportedEventNumber": cur.LastReportedEventNumber,
		"totalEvents":             len(snap.Events),
		"containers":              snap.Containers,
		"url":                     tab.URL(),
	}, nil
}

func hitsPayload(att Attachment, buf *HitBuffers) map[string]any {
	return map[string]any{
		"hits":     buf.Read(att.TabID),
		"tabId":    att.TabID,
		"tabTitle": att.TabTitle,
		"capacity": buf.Cap(),
	}
}
