package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var proxyTarget string

var proxyCmd = &cobra.Command{
	Use:   "mcp-proxy",
	Short: "Bridge an MCP STDIO client to a LayerLink server running in HTTP mode",
	Long: `Forward newline-delimited JSON-RPC from stdin to a "layerlink serve --mode http"
instance and write its replies to stdout.

This lets several MCP clients share one serving instance (and so one relay
leader) instead of each spawning its own.

Example:
  layerlink mcp-proxy --to http://127.0.0.1:5757/mcp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := proxyTarget
		if target == "" {
			target = fmt.Sprintf("http://%s:%d/mcp", cfg.MCP.Host, cfg.MCP.Port)
		}
		p := &mcpProxy{client: &http.Client{}, target: target}
		return p.run(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(proxyCmd)
	proxyCmd.Flags().StringVar(&proxyTarget, "to", "", "MCP HTTP endpoint (default: the configured mcp host and port)")
}

// mcpProxy relays JSON-RPC lines to a Streamable HTTP endpoint, carrying the
// Mcp-Session-Id header across requests.
type mcpProxy struct {
	client    *http.Client
	target    string
	sessionID string
}

// maxProxyLine bounds one JSON-RPC message in either direction.
const maxProxyLine = 4 << 20

func (p *mcpProxy) run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProxyLine)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req struct {
			ID any `json:"id"`
		}
		_ = json.Unmarshal([]byte(line), &req)

		resp, err := p.forward(ctx, line)
		if err != nil {
			writeJSONRPCError(out, req.ID, -32603, fmt.Sprintf("proxy error: %v", err))
			continue
		}
		// Notifications have no reply.
		if len(resp) > 0 {
			out.Write(resp)
			if resp[len(resp)-1] != '\n' {
				out.Write([]byte("\n"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read error: %w", err)
	}
	return nil
}

func (p *mcpProxy) forward(ctx context.Context, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.target, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if p.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", p.sessionID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		p.sessionID = id
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return parseSSEData(resp.Body)
	}
	return io.ReadAll(resp.Body)
}

// parseSSEData joins the data fields of every event in an SSE stream, one
// event per line.
func parseSSEData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxProxyLine)

	var result, event bytes.Buffer
	flush := func() {
		if event.Len() == 0 {
			return
		}
		if result.Len() > 0 {
			result.WriteByte('\n')
		}
		result.Write(event.Bytes())
		event.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if event.Len() > 0 {
				event.WriteByte('\n')
			}
			event.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan SSE: %w", err)
	}
	return result.Bytes(), nil
}

func writeJSONRPCError(w io.Writer, id any, code int, message string) {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	w.Write(append(data, '\n'))
}
