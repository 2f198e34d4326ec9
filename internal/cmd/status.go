package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/layerlink/layerlink/internal/agent"
	"github.com/layerlink/layerlink/internal/appdir"
	"github.com/layerlink/layerlink/internal/fileutil"
	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/relay"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active relay instance and its extension connection",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
}

// statusReport is what "layerlink status" prints.
type statusReport struct {
	Lock      *leader.Identity    `json:"lock,omitempty"`
	LockError string              `json:"lockError,omitempty"`
	Relay     *relay.HealthReport `json:"relay,omitempty"`
	RelayURL  string              `json:"relayUrl"`
	RelayErr  string              `json:"relayError,omitempty"`
	Agent     *agent.RelayMirror  `json:"agentLastRelay,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	report := statusReport{RelayURL: fmt.Sprintf("http://%s/health", cfg.RelayAddr())}

	if path, err := appdir.LockPath(); err == nil {
		var id leader.Identity
		switch err := fileutil.ReadJSON(path, &id); {
		case err == nil:
			report.Lock = &id
		case errors.Is(err, os.ErrNotExist):
			report.LockError = "no instance has claimed the relay"
		default:
			report.LockError = err.Error()
		}
	}

	if path, err := appdir.AgentStatePath(); err == nil {
		if state, err := agent.OpenStateStore(path); err == nil {
			if m, ok := state.Relay(); ok {
				report.Agent = &m
			}
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	h, err := fetchHealth(ctx, report.RelayURL)
	if err != nil {
		report.RelayErr = err.Error()
	} else {
		report.Relay = h
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(out, report)
	return nil
}

func fetchHealth(ctx context.Context, url string) (*relay.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay health returned %s", resp.Status)
	}
	var h relay.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("invalid health report: %w", err)
	}
	return &h, nil
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintln(w, "Instance lock:")
	if r.Lock != nil {
		fmt.Fprintf(w, "  instance  %s\n", r.Lock.InstanceID)
		fmt.Fprintf(w, "  pid       %d\n", r.Lock.PID)
		fmt.Fprintf(w, "  started   %s\n", r.Lock.Started().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "  %s\n", r.LockError)
	}

	fmt.Fprintf(w, "Relay (%s):\n", r.RelayURL)
	if r.Relay == nil {
		fmt.Fprintf(w, "  %s\n", r.RelayErr)
	} else {
		h := r.Relay
		fmt.Fprintf(w, "  instance  %s\n", h.InstanceID)
		fmt.Fprintf(w, "  active    %t\n", h.Active)
		if h.Version != "" {
			fmt.Fprintf(w, "  version   %s\n", h.Version)
		}
		c := h.Connection
		switch {
		case !c.Connected:
			fmt.Fprintln(w, "  extension not connected")
		case c.Healthy:
			fmt.Fprintf(w, "  extension connected since %s (%s)\n", c.ConnectedAt.Format(time.RFC3339), c.Origin)
		default:
			fmt.Fprintf(w, "  extension connected but idle for %s\n", c.IdleFor(time.Now()).Round(time.Second))
		}
		if r.Lock != nil && r.Lock.InstanceID != h.InstanceID {
			fmt.Fprintln(w, "  warning: the relay on this port does not hold the lock")
		}
	}

	if r.Agent != nil {
		fmt.Fprintf(w, "Agent last acknowledged by %s at %s\n", r.Agent.InstanceID, time.UnixMilli(r.Agent.SeenAt).Format(time.RFC3339))
	}
}
