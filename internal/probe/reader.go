package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"connwatch/internal/domain"
)

// ErrToolUnavailable is returned when no diagnostic command succeeded.
// It is reported upward, never fatal: the session can still run in
// file-replay mode.
var ErrToolUnavailable = errors.New("no diagnostic tool available")

// Capture is the unparsed output of one diagnostic-command invocation.
type Capture struct {
	Dialect  Dialect
	Protocol domain.Protocol
	Output   string
}

// invocation is one candidate command for a protocol on the current platform.
type invocation struct {
	tool    string
	args    []string
	dialect Dialect
}

// runner abstracts process execution so tests can stub the tool boundary.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Reader invokes the platform-appropriate diagnostic command and returns its
// raw text output per protocol.
type Reader struct {
	logger zerolog.Logger
	goos   string
	run    runner
	look   func(name string) (string, error)
}

// NewReader creates a reader for the running host's platform.
func NewReader(logger zerolog.Logger) *Reader {
	return &Reader{logger: logger, goos: runtime.GOOS, run: execRunner, look: exec.LookPath}
}

// Snapshot captures current TCP and UDP connection tables. A protocol whose
// commands all fail is skipped; only total failure yields ErrToolUnavailable.
func (r *Reader) Snapshot(ctx context.Context) ([]Capture, error) {
	var captures []Capture
	for _, proto := range []domain.Protocol{domain.ProtoTCP, domain.ProtoUDP} {
		c, err := r.capture(ctx, proto)
		if err != nil {
			r.logger.Warn().Err(err).Str("protocol", string(proto)).Msg("Diagnostic command failed")
			continue
		}
		captures = append(captures, c)
	}

	if len(captures) == 0 {
		return nil, ErrToolUnavailable
	}
	return captures, nil
}

// capture tries each candidate invocation for a protocol in preference order.
func (r *Reader) capture(ctx context.Context, proto domain.Protocol) (Capture, error) {
	var lastErr error
	for _, inv := range invocationsFor(r.goos, proto) {
		if _, err := r.look(inv.tool); err != nil {
			lastErr = err
			continue
		}

		out, err := r.run(ctx, inv.tool, inv.args...)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", inv.tool, strings.Join(inv.args, " "), err)
			continue
		}

		return Capture{Dialect: inv.dialect, Protocol: proto, Output: out}, nil
	}

	if lastErr == nil {
		lastErr = ErrToolUnavailable
	}
	return Capture{}, lastErr
}

// invocationsFor returns candidate commands in preference order: the modern
// socket-statistics tool first on Linux, traditional netstat as fallback.
// Windows only has netstat.
func invocationsFor(goos string, proto domain.Protocol) []invocation {
	switch goos {
	case "windows":
		p := strings.ToLower(string(proto))
		return []invocation{
			{tool: "netstat", args: []string{"-ano", "-p", p}, dialect: DialectNetstatWindows},
		}
	case "linux":
		ssArgs := "-antp"
		netstatArgs := "-ant"
		if proto == domain.ProtoUDP {
			ssArgs = "-aunp"
			netstatArgs = "-anu"
		}
		return []invocation{
			{tool: "ss", args: []string{ssArgs}, dialect: DialectSS},
			{tool: "netstat", args: []string{netstatArgs}, dialect: DialectNetstat},
		}
	default:
		// macOS and the BSDs take the protocol as an explicit argument.
		p := strings.ToLower(string(proto))
		return []invocation{
			{tool: "netstat", args: []string{"-an", "-p", p}, dialect: DialectNetstat},
		}
	}
}
