package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/layerlink/layerlink/internal/appdir"
	"github.com/layerlink/layerlink/internal/config"
	"github.com/layerlink/layerlink/internal/correlator"
	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/mcpserver"
	"github.com/layerlink/layerlink/internal/portreclaim"
	"github.com/layerlink/layerlink/internal/protocol"
	"github.com/layerlink/layerlink/internal/relay"
	"github.com/layerlink/layerlink/internal/shutdown"
)

var (
	serveMode      string
	servePort      int
	serveRelayPort int
	serveNoReclaim bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP tool server and the browser relay",
	Long: `Run the MCP tool server together with the local relay the agent connects to.

On start the instance claims relay leadership, frees the relay port from any
stale holder and starts listening. If another instance later claims leadership
this one steps down: it closes its relay and answers tool calls with a
not-leader error naming the new instance.

Examples:
  # STDIO mode, as launched by an MCP client
  layerlink serve

  # Streamable HTTP on 127.0.0.1:5757
  layerlink serve --mode http --port 5757`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveMode, "mode", "", "MCP transport: stdio or http (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "MCP HTTP port (http mode only)")
	serveCmd.Flags().IntVar(&serveRelayPort, "relay-port", 0, "Relay port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoReclaim, "no-reclaim", false, "Do not terminate stale processes holding the relay port")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveMode != "" {
		cfg.MCP.Mode = serveMode
	}
	if servePort != 0 {
		cfg.MCP.Port = servePort
	}
	if serveRelayPort != 0 {
		cfg.Relay.Port = serveRelayPort
	}
	if serveNoReclaim {
		cfg.Relay.Reclaim.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Get()
	sm := shutdown.New()
	sm.Start()
	ctx := sm.Context()

	lockPath, err := appdir.LockPath()
	if err != nil {
		return err
	}
	reg := leader.NewRegistry(lockPath)
	if err := reg.Claim(); err != nil {
		logger.Warn("Could not claim relay leadership, continuing as inactive", "error", err)
	}

	if cfg.Relay.Reclaim.Enabled {
		reclaimer := newReclaimer(cfg)
		reclaimer.Reclaim(ctx, cfg.Relay.Port)
	}

	srv := relay.NewServer(relayConfig(cfg), reg)
	calls := correlator.New(srv, reg)
	srv.OnMessage(func(msg protocol.Message) {
		calls.Deliver(msg)
	})
	reg.OnLost(srv.StepDown)

	if err := srv.Start(); err != nil {
		// Tool calls keep answering with not-connected until a restart.
		logger.Error("Relay failed to start", "error", err)
	}
	go func() {
		if err := reg.Watch(ctx); err != nil {
			logging.Leader().Warn("Instance lock watch stopped", "error", err)
		}
	}()

	mcpSrv, err := mcpserver.NewServer(mcpserver.Config{
		Mode:     mcpserver.TransportMode(cfg.MCP.Mode),
		Host:     cfg.MCP.Host,
		Port:     cfg.MCP.Port,
		Version:  Version,
		Timeouts: cfg.Timeouts,
	}, mcpserver.Dependencies{Caller: calls, Status: srv})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sm.Add("mcp", func(context.Context) error { return mcpSrv.Stop() })
	sm.Add("relay", srv.Stop)

	if err := mcpSrv.Start(ctx); err != nil {
		sm.Shutdown("mcp start failed")
		return fmt.Errorf("failed to start MCP server: %w", err)
	}
	if cfg.MCP.Mode == config.MCPModeHTTP {
		fmt.Fprintf(cmd.ErrOrStderr(), "MCP server listening on http://%s:%d/mcp\n", cfg.MCP.Host, mcpSrv.Port())
	}

	// In stdio mode the client going away ends the process.
	if done := mcpSrv.Done(); done != nil {
		go func() {
			<-done
			sm.Shutdown("mcp client disconnected")
		}()
	}

	<-sm.Done()
	return nil
}

func relayConfig(c *config.Config) relay.Config {
	rc := relay.DefaultConfig(c.RelayAddr())
	rc.Version = Version
	rc.HealthCheckInterval = c.Relay.HealthCheckInterval
	rc.InactivityTimeout = c.Relay.InactivityTimeout
	rc.WriteTimeout = c.Relay.WriteTimeout
	rc.HandshakeRate = c.Relay.HandshakeRate
	rc.HandshakeBurst = c.Relay.HandshakeBurst
	rc.AllowedOrigins = c.Relay.AllowedOrigins
	return rc
}

func newReclaimer(c *config.Config) *portreclaim.Reclaimer {
	r := portreclaim.New(c.Relay.Reclaim.Command)
	r.PollInterval = c.Relay.Reclaim.PollInterval
	r.MaxWait = c.Relay.Reclaim.MaxWait
	r.Host = c.Relay.Host
	return r
}
