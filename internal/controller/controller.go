// Package controller is the top-level wiring layer: it loads or
// generates the device identity, selects and builds the requested
// service loop (host, connect, or tray-hosted), attaches the status
// server and the local control socket, installs signal handlers, and
// tears everything down in reverse dependency order on shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"rootstream/internal/clientloop"
	"rootstream/internal/ctlsock"
	"rootstream/internal/discovery"
	"rootstream/internal/hostloop"
	"rootstream/internal/identity"
	"rootstream/internal/latency"
	"rootstream/internal/registry"
	"rootstream/internal/rserrors"
	"rootstream/internal/statusui"
)

// Version is the protocol/application version advertised over
// discovery and printed in banners.
const Version = "1.0.0"

// Mode selects which service loop the controller runs.
type Mode int

const (
	// ModeTray runs the host loop with the control socket enabled, so
	// an external tray/TUI collaborator can drive it. This is the
	// no-arguments default.
	ModeTray Mode = iota
	// ModeHost runs the host loop standalone.
	ModeHost
	// ModeConnect runs the client loop against one host peer code.
	ModeConnect
)

// Options carries everything the CLI surface resolves before handing
// control to Run.
type Options struct {
	Mode     Mode
	PeerCode string // connect target, ModeConnect only

	Port              int
	Display           int
	Codec             string
	BitrateKbps       int
	FPS               int
	NoDiscovery       bool
	LatencyLog        bool
	LatencyIntervalMS int64

	// StatusAddr is the listen address for the read-only status HTTP
	// server; empty disables it.
	StatusAddr string
	// CtlSocketPath overrides the control-socket path. Empty means the
	// default path in tray mode and disabled in the other modes.
	CtlSocketPath string

	// Label overrides the identity label; empty keeps the stored one
	// (or the hostname on first generation).
	Label string
}

// Controller owns the process lifecycle for one run.
type Controller struct {
	opts Options
	log  zerolog.Logger
}

// New builds a controller. The logger handle is passed in, never
// reached for globally.
func New(opts Options, log zerolog.Logger) *Controller {
	return &Controller{opts: opts, log: log.With().Str("component", "controller").Logger()}
}

// Run executes the selected mode until the context is cancelled or a
// termination signal arrives. It owns identity bootstrap and wipe.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	signal.Ignore(syscall.SIGPIPE)

	id, err := bootstrapIdentity(c.opts.Label)
	if err != nil {
		return err
	}
	defer id.Wipe()

	banner(c.log, "starting", Version)
	defer banner(c.log, "stopped", Version)

	c.log.Info().
		Str("peer_code", id.PeerCode).
		Str("fingerprint", identity.FormatFingerprint(id.Public)).
		Msg("identity ready")

	switch c.opts.Mode {
	case ModeConnect:
		return c.runClient(ctx, id)
	case ModeHost:
		return c.runHost(ctx, id, false)
	default:
		return c.runHost(ctx, id, true)
	}
}

func (c *Controller) runHost(ctx context.Context, id *identity.Identity, tray bool) error {
	cfg := hostloop.DefaultConfig()
	cfg.Port = c.opts.Port
	cfg.Display = c.opts.Display
	if c.opts.Codec != "" {
		cfg.Codec = c.opts.Codec
	}
	if c.opts.BitrateKbps > 0 {
		cfg.BitrateKbps = c.opts.BitrateKbps
	}
	if c.opts.FPS > 0 {
		cfg.FPS = c.opts.FPS
	}
	cfg.NoDiscovery = c.opts.NoDiscovery
	cfg.LatencyLog = c.opts.LatencyLog
	cfg.LatencyIntervalMS = c.opts.LatencyIntervalMS

	loop, err := hostloop.New(cfg, id, hostloop.Collaborators{}, c.log)
	if err != nil {
		return fmt.Errorf("init host loop: %w", err)
	}

	status := c.startStatus(loop.Registry(), loop.Cache(), loop.Latency(), "host", id.PeerCode)
	if status != nil {
		loop.AttachStatus(status)
	}

	var ctl *ctlsock.Server
	if path := c.ctlSocketPath(tray); path != "" {
		ctl, err = ctlsock.Listen(path, loop, c.log)
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("control socket unavailable, continuing without it")
		} else {
			c.log.Info().Str("path", path).Msg("control socket listening")
		}
	}

	// Teardown order: loop.Run closes transport and discovery in its
	// own shutdown path before it returns; the control socket and then
	// the status server are closed after that, by this deferred call.
	defer func() {
		if ctl != nil {
			_ = ctl.Close()
		}
		if status != nil {
			_ = status.Close()
		}
	}()

	return loop.Run(ctx)
}

func (c *Controller) runClient(ctx context.Context, id *identity.Identity) error {
	cfg := clientloop.DefaultConfig()
	cfg.Port = c.opts.Port
	cfg.PeerCode = c.opts.PeerCode
	cfg.NoDiscovery = c.opts.NoDiscovery
	cfg.LatencyLog = c.opts.LatencyLog
	cfg.LatencyIntervalMS = c.opts.LatencyIntervalMS

	loop, err := clientloop.New(cfg, id, clientloop.Collaborators{}, c.log)
	if err != nil {
		return fmt.Errorf("init client loop: %w", err)
	}

	status := c.startStatus(loop.Registry(), loop.Cache(), loop.Latency(), "client", id.PeerCode)
	if status != nil {
		loop.AttachStatus(status)
		defer status.Close()
	}

	if err := loop.Dial(); err != nil {
		return fmt.Errorf("dial %q: %w", cfg.PeerCode, err)
	}
	return loop.Run(ctx)
}

func (c *Controller) startStatus(reg *registry.Registry, cache *discovery.Cache, lat *latency.Stats, role, peerCode string) *statusui.Server {
	if c.opts.StatusAddr == "" {
		return nil
	}
	s := statusui.New(c.opts.StatusAddr, statusui.Sources{
		Registry: reg,
		Cache:    cache,
		Latency:  lat,
		Role:     role,
		PeerCode: peerCode,
	})
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn().Err(err).Msg("status server exited")
		}
	}()
	return s
}

func (c *Controller) ctlSocketPath(tray bool) string {
	if c.opts.CtlSocketPath != "" {
		return c.opts.CtlSocketPath
	}
	if !tray {
		return ""
	}
	return DefaultCtlSocketPath()
}

// DefaultCtlSocketPath is $XDG_RUNTIME_DIR/rootstream.sock, falling
// back to the system temp directory.
func DefaultCtlSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "rootstream.sock")
	}
	return filepath.Join(os.TempDir(), "rootstream.sock")
}

func bootstrapIdentity(label string) (*identity.Identity, error) {
	dir, err := identity.ConfigDir()
	if err != nil {
		return nil, err
	}
	id, err := identity.GenerateIfMissing(dir, label)
	if err != nil {
		return nil, fmt.Errorf("identity bootstrap in %s: %w", dir, err)
	}
	return id, nil
}

// PrintQR is the --qr one-shot: load or generate the identity, then
// print its peer code as a terminal QR plus the human fingerprint for
// out-of-band verification.
func PrintQR(w io.Writer, label string) error {
	id, err := bootstrapIdentity(label)
	if err != nil {
		return err
	}
	defer id.Wipe()

	q, err := qrcode.New(id.PeerCode, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("render peer code QR: %w", err)
	}
	fmt.Fprintln(w, q.ToSmallString(false))
	fmt.Fprintf(w, "peer code:   %s\n", id.PeerCode)
	fmt.Fprintf(w, "fingerprint: %s\n", identity.FormatFingerprint(id.Public))
	return nil
}

// PrintDisplays is the --list-displays one-shot. The concrete capture
// backends are external collaborators, so with only the built-in test
// pattern wired the listing is the synthetic source.
func PrintDisplays(w io.Writer) error {
	fmt.Fprintln(w, "0: test pattern 1920x1080 (synthetic)")
	return nil
}

// ExitCode maps a Run error onto the documented process exit codes:
// 0 success, 1 argument/config error, 2 runtime init failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, rserrors.ErrConfig):
		return 1
	default:
		return 2
	}
}
