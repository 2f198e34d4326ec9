// Package portreclaim frees the relay port from a process that still holds
// it, typically a previous relay that exited uncleanly.
package portreclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/layerlink/layerlink/internal/logging"
)

// Defaults for Reclaimer.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxWait      = 3 * time.Second
)

// PortPlaceholder is replaced with the port number in a custom lookup command.
const PortPlaceholder = "{port}"

// FinderFunc returns the PIDs listening on port.
type FinderFunc func(ctx context.Context, port int) ([]int, error)

// KillerFunc asks pid to terminate.
type KillerFunc func(pid int) error

// Result describes one reclamation attempt.
type Result struct {
	Port   int
	PIDs   []int
	Killed []int
	// Free reports whether the port was free when Reclaim returned.
	Free bool
}

// Reclaimer terminates listeners on a port and waits for the port to free up.
// The zero value is usable and behaves like New("").
type Reclaimer struct {
	// Command overrides the platform lookup command. It is split with shell
	// quoting rules and must print PIDs one per line.
	Command      string
	PollInterval time.Duration
	MaxWait      time.Duration
	Host         string

	// Finder and Killer replace process enumeration and signalling.
	Finder FinderFunc
	Killer KillerFunc

	logger *slog.Logger
}

// New creates a Reclaimer using command for listener lookup ("" for the
// platform default).
func New(command string) *Reclaimer {
	return &Reclaimer{Command: command}
}

func (r *Reclaimer) log() *slog.Logger {
	if r.logger == nil {
		r.logger = logging.WithComponent("portreclaim")
	}
	return r.logger
}

// Reclaim terminates every process other than this one listening on port,
// then polls until the port is free or MaxWait elapses. Failing to free the
// port is logged and reported in Result, never returned as an error; the
// caller proceeds to bind regardless.
func (r *Reclaimer) Reclaim(ctx context.Context, port int) Result {
	log := r.log().With("port", port)
	res := Result{Port: port}

	if r.IsPortFree(port) {
		res.Free = true
		return res
	}

	pids, err := r.FindListeners(ctx, port)
	if err != nil {
		log.Warn("Failed to enumerate port listeners", "error", err)
	}
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		res.PIDs = append(res.PIDs, pid)
		if err := r.kill(pid); err != nil {
			log.Warn("Failed to signal port holder", "pid", pid, "error", err)
			continue
		}
		res.Killed = append(res.Killed, pid)
		log.Info("Signalled stale port holder", "pid", pid)
	}

	res.Free = r.waitFree(ctx, port)
	if !res.Free {
		log.Warn("Port still in use after reclamation, binding anyway",
			"max_wait", r.maxWait(), "pids", res.PIDs)
	}
	return res
}

func (r *Reclaimer) waitFree(ctx context.Context, port int) bool {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(r.maxWait())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if r.IsPortFree(port) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return r.IsPortFree(port)
		case <-ticker.C:
		}
	}
}

func (r *Reclaimer) maxWait() time.Duration {
	if r.MaxWait <= 0 {
		return DefaultMaxWait
	}
	return r.MaxWait
}

// IsPortFree reports whether a listener can bind port right now.
func (r *Reclaimer) IsPortFree(port int) bool {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindListeners returns the PIDs listening on port.
func (r *Reclaimer) FindListeners(ctx context.Context, port int) ([]int, error) {
	if r.Finder != nil {
		return r.Finder(ctx, port)
	}
	if r.Command != "" {
		return runLookup(ctx, r.Command, port, parseLsofPIDs)
	}
	if runtime.GOOS == "windows" {
		return runLookup(ctx, "netstat -ano", port, func(out string) []int {
			return parseNetstatPIDs(out, port)
		})
	}
	return runLookup(ctx, "lsof -tiTCP:{port} -sTCP:LISTEN", port, parseLsofPIDs)
}

func (r *Reclaimer) kill(pid int) error {
	if r.Killer != nil {
		return r.Killer(pid)
	}
	return terminate(pid)
}

// ExpandCommand splits a lookup command template and substitutes the port.
func ExpandCommand(template string, port int) ([]string, error) {
	args, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("invalid lookup command %q: %w", template, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty lookup command")
	}
	p := strconv.Itoa(port)
	for i, a := range args {
		args[i] = strings.ReplaceAll(a, PortPlaceholder, p)
	}
	return args, nil
}

func runLookup(ctx context.Context, template string, port int, parse func(string) []int) ([]int, error) {
	args, err := ExpandCommand(template, port)
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("find process on port %d: %w", port, err)
	}
	return parse(string(out)), nil
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}

// parseLsofPIDs parses one PID per line, skipping anything non-numeric.
func parseLsofPIDs(output string) []int {
	var pids []int
	seen := make(map[int]bool)
	for _, line := range strings.Split(output, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

// parseNetstatPIDs extracts PIDs of LISTENING TCP sockets on port from
// `netstat -ano` output.
func parseNetstatPIDs(output string, port int) []int {
	var pids []int
	seen := make(map[int]bool)
	suffix := ":" + strconv.Itoa(port)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
