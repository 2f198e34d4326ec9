package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/layerlink/layerlink/internal/agent"
	"github.com/layerlink/layerlink/internal/appdir"
	"github.com/layerlink/layerlink/internal/browser"
	"github.com/layerlink/layerlink/internal/logging"
	"github.com/layerlink/layerlink/internal/protocol"
	"github.com/layerlink/layerlink/internal/shutdown"
	"github.com/layerlink/layerlink/internal/tui"
)

var (
	agentAttach   string
	agentCDPURL   string
	agentRelayURL string
	agentTUI      bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Connect Chrome to the relay and answer extraction requests",
	Long: `Run the browser side of LayerLink.

The agent connects to a Chrome started with --remote-debugging-port, records
GA4 and Meta Pixel hits per tab, and keeps a connection to the relay with
exponential backoff. Requests from the relay run against the attached tab.

Examples:
  # Attach to the first tab whose title or URL contains "checkout"
  layerlink agent --attach checkout

  # Pick the tab interactively
  layerlink agent --tui`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentAttach, "attach", "", "Attach to the tab with this id, or whose title or URL contains this text")
	agentCmd.Flags().StringVar(&agentCDPURL, "cdp-url", "", "Chrome DevTools endpoint (default from config)")
	agentCmd.Flags().StringVar(&agentRelayURL, "relay-url", "", "Relay WebSocket URL (default from config)")
	agentCmd.Flags().BoolVar(&agentTUI, "tui", false, "Show the interactive status view")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ac := cfg.Agent
	if agentCDPURL != "" {
		ac.CDPURL = agentCDPURL
	}
	if agentRelayURL != "" {
		ac.RelayURL = agentRelayURL
	}

	logger := logging.Agent()
	sm := shutdown.New()
	sm.Start()
	ctx := sm.Context()

	statePath, err := appdir.AgentStatePath()
	if err != nil {
		return err
	}
	state, err := agent.OpenStateStore(statePath)
	if err != nil {
		return err
	}
	hits := agent.NewHits(ac.HitBufferSize)

	host, err := browser.Connect(ctx, ac.CDPURL, hits, state)
	if err != nil {
		return fmt.Errorf("failed to connect to Chrome at %s: %w", ac.CDPURL, err)
	}
	sm.Add("browser", func(context.Context) error { return host.Close() })

	mgr := agent.NewManager(agent.ManagerConfig{
		URL:               ac.RelayURL,
		Origin:            ac.Origin,
		HeartbeatInterval: ac.HeartbeatInterval,
		ConnectTimeout:    ac.ConnectTimeout,
		BackoffBase:       ac.BackoffBase,
		BackoffCap:        ac.BackoffCap,
		MaxAttempts:       ac.MaxReconnectAttempts,
	}, agent.NewHandler(state, hits, host))
	sm.Add("relay connection", func(context.Context) error {
		mgr.Close()
		return nil
	})

	mgr.OnAck(func(msg protocol.Message) {
		if err := state.RecordRelay(msg.ServerInstanceID, msg.ServerStartedAt, msg.ServerVersion); err != nil {
			logger.Warn("Failed to record relay instance", "error", err)
		}
	})
	state.OnAttach(func(agent.Attachment) { mgr.Connect() })
	unsub := mgr.Subscribe(func(s agent.Status) {
		if s.Terminal {
			logger.Error("Relay unreachable, giving up until a manual reconnect", "error", s.LastError)
		}
	})
	defer unsub()

	if agentAttach != "" {
		tab, err := host.Find(ctx, agentAttach)
		if err != nil {
			sm.Shutdown("attach failed")
			return err
		}
		if err := state.Attach(tab.ID, tab.Title); err != nil {
			sm.Shutdown("attach failed")
			return err
		}
	}
	if att, ok := state.Attachment(); ok {
		logger.Info("Serving attached tab", "tab_id", att.TabID, "title", att.TabTitle)
	} else {
		logger.Info("No tab attached yet")
	}
	mgr.Connect()

	if agentTUI {
		view := tui.New(ctx, mgr, state, host)
		host.OnTabsChanged(func() { view.Notify(tui.TabsChangedMsg{}) })
		err := tui.Run(ctx, view)
		sm.Shutdown("status view closed")
		return err
	}

	<-sm.Done()
	return nil
}
