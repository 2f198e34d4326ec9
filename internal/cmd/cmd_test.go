package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/layerlink/layerlink/internal/config"
	"github.com/layerlink/layerlink/internal/leader"
	"github.com/layerlink/layerlink/internal/relay"
)

func TestSplitComponents(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"relay", []string{"relay"}},
		{"relay, correlator ,,mcp", []string{"relay", "correlator", "mcp"}},
		{" , ", nil},
	}
	for _, tt := range tests {
		got := splitComponents(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("splitComponents(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRelayConfigFromConfig(t *testing.T) {
	c := config.Default()
	c.Relay.Port = 6000
	c.Relay.InactivityTimeout = 90 * time.Second
	c.Relay.AllowedOrigins = []string{"https://tools.example"}

	rc := relayConfig(c)
	if rc.Addr != "127.0.0.1:6000" {
		t.Errorf("Addr = %q", rc.Addr)
	}
	if rc.InactivityTimeout != 90*time.Second {
		t.Errorf("InactivityTimeout = %s", rc.InactivityTimeout)
	}
	if len(rc.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", rc.AllowedOrigins)
	}
	if rc.Version != Version {
		t.Errorf("Version = %q, want %q", rc.Version, Version)
	}
}

func TestParseSSEData(t *testing.T) {
	stream := "event: message\ndata: {\"id\":1}\n\nevent: message\ndata: {\"id\":\ndata: 2}\n\ndata: {\"id\":3}"
	got, err := parseSSEData(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"id\":1}\n{\"id\":\n2}\n{\"id\":3}"
	if string(got) != want {
		t.Errorf("parseSSEData = %q, want %q", got, want)
	}
}

func TestProxyForwardsAndKeepsSession(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.Header.Get("Mcp-Session-Id"))
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		json.Unmarshal(body, &msg)

		w.Header().Set("Mcp-Session-Id", "sess-1")
		if msg.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	}))
	defer srv.Close()

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer

	p := &mcpProxy{client: srv.Client(), target: srv.URL}
	if err := p.run(t.Context(), in, &out); err != nil {
		t.Fatal(err)
	}

	if got := out.String(); got != "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n" {
		t.Errorf("output = %q", got)
	}
	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "sess-1" {
		t.Errorf("session headers = %q, want [\"\" \"sess-1\"]", sessions)
	}
}

func TestProxyHTTPErrorBecomesJSONRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no session", http.StatusNotFound)
	}))
	defer srv.Close()

	var out bytes.Buffer
	p := &mcpProxy{client: srv.Client(), target: srv.URL}
	if err := p.run(t.Context(), strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`+"\n"), &out); err != nil {
		t.Fatal(err)
	}

	var resp struct {
		ID    int `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %q", out.String())
	}
	if resp.ID != 7 || resp.Error.Code != -32603 || !strings.Contains(resp.Error.Message, "404") {
		t.Errorf("response = %+v", resp)
	}
}

func TestFetchHealth(t *testing.T) {
	want := relay.HealthReport{InstanceID: "inst-1", PID: 42, Active: true,
		Connection: relay.ConnectionState{Connected: true, Healthy: true}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	got, err := fetchHealth(t.Context(), srv.URL+"/health")
	if err != nil {
		t.Fatal(err)
	}
	if got.InstanceID != "inst-1" || !got.Connection.Connected {
		t.Errorf("health = %+v", got)
	}

	if _, err := fetchHealth(t.Context(), srv.URL+"/nope"); err == nil {
		t.Error("expected error for a non-200 response")
	}
}

func TestPrintStatus(t *testing.T) {
	lock := leader.Identity{InstanceID: "inst-new", PID: 7, StartedAt: time.Now().UnixMilli()}

	var out bytes.Buffer
	printStatus(&out, statusReport{
		Lock:     &lock,
		RelayURL: "http://127.0.0.1:57321/health",
		Relay: &relay.HealthReport{
			InstanceID: "inst-old",
			Active:     false,
			Connection: relay.ConnectionState{},
		},
	})

	text := out.String()
	for _, want := range []string{"inst-new", "inst-old", "extension not connected", "does not hold the lock"} {
		if !strings.Contains(text, want) {
			t.Errorf("status output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	printStatus(&out, statusReport{LockError: "no instance has claimed the relay", RelayErr: "relay not reachable"})
	if !strings.Contains(out.String(), "no instance has claimed the relay") || !strings.Contains(out.String(), "relay not reachable") {
		t.Errorf("status output:\n%s", out.String())
	}
}
