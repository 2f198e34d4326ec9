package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/layerlink/layerlink/internal/correlator"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
)

// Tool names.
const (
	ToolCaptureDataLayer  = "capture_datalayer"
	ToolGA4Hits           = "get_ga4_hits"
	ToolMetaPixelHits     = "get_meta_pixel_hits"
	ToolGTMPreviewEvents  = "get_new_gtm_preview_events"
	ToolStructuredData    = "get_structured_data"
	ToolPageMetadata      = "get_page_metadata"
	ToolCheckCrawlability = "check_crawlability"
	ToolRelayStatus       = "get_relay_status"
)

// callTool binds a tool to the call it issues.
type callTool struct {
	name        string
	description string
	call        protocol.Call
}

var callTools = []callTool{
	{ToolCaptureDataLayer, "Capture the window.dataLayer array of the attached tab", protocol.CallDataLayer},
	{ToolGA4Hits, "Get the GA4 hits observed on the attached tab since its last navigation", protocol.CallGA4Hits},
	{ToolMetaPixelHits, "Get the Meta Pixel hits observed on the attached tab since its last navigation", protocol.CallMetaPixelHits},
	{ToolGTMPreviewEvents, "Get GTM preview (Tag Assistant) events not reported by a previous call", protocol.CallGTMPreviewEvents},
	{ToolStructuredData, "Extract JSON-LD and microdata structured data from the attached tab", protocol.CallStructuredData},
	{ToolPageMetadata, "Get title, meta tags, canonical and Open Graph data of the attached tab", protocol.CallPageMetadata},
	{ToolCheckCrawlability, "Check robots directives, canonical and indexability signals of the attached tab", protocol.CallCrawlability},
}

func (s *Server) registerTools() {
	for _, t := range callTools {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        t.name,
			Description: t.description,
		}, s.callHandler(t.call))
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        ToolRelayStatus,
		Description: "Get this relay's instance identity, leadership and extension connection state",
	}, s.relayStatusHandler())
}

// callHandler issues call with its configured budget.
func (s *Server) callHandler(call protocol.Call) mcp.ToolHandlerFor[struct{}, CallOutput] {
	call = s.cfg.Timeouts.WithTimeout(call)
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, CallOutput, error) {
		res, err := s.deps.Caller.Call(ctx, call)
		if err != nil {
			s.logger.Debug("Tool call failed", "call", call.Name, "error", err)
			return nil, CallOutput{}, toolError(err)
		}
		out := CallOutput{
			RequestID: res.RequestID,
			ElapsedMs: res.Elapsed.Milliseconds(),
			Summary:   res.Summary,
			Payload:   res.Payload,
		}
		if out.Payload == nil {
			out.Payload = map[string]any{}
		}
		return nil, out, nil
	}
}

func (s *Server) relayStatusHandler() mcp.ToolHandlerFor[struct{}, RelayStatus] {
	return func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, RelayStatus, error) {
		if s.deps.Status == nil {
			return nil, RelayStatus{}, errors.New("relay status not available")
		}
		return nil, newRelayStatus(s.deps.Status.Health(), time.Now()), nil
	}
}

// toolError renders a call failure for the client. Remote errors are the
// extension's own text; other failures carry the request id when there is one.
func toolError(err error) error {
	var ce *correlator.CallError
	if !errors.As(err, &ce) || ce.Kind == correlator.KindRemote || ce.RequestID == "" {
		return err
	}
	logging.WithRequest(logging.MCP(), ce.Call, ce.RequestID).Debug("Reporting call failure", "kind", ce.Kind)
	return fmt.Errorf("%w (request %s)", ce, ce.RequestID)
}
