// Command rootstream is the peer-to-peer desktop/game streaming
// service. With no arguments it runs the tray-hosted default (host
// loop plus local control socket); "host" and "connect <peer_code>"
// select the standalone loops.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rootstream/internal/controller"
	"rootstream/internal/transport"
)

var opts controller.Options

var (
	flagQR           bool
	flagListDisplays bool

	// argsParsed distinguishes cobra parse failures (exit 1) from
	// runtime failures once a RunE has been entered.
	argsParsed bool
)

var rootCmd = &cobra.Command{
	Use:           "rootstream",
	Short:         "Low-latency P2P desktop streaming",
	Version:       controller.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		argsParsed = true
		if flagQR {
			return controller.PrintQR(cmd.OutOrStdout(), opts.Label)
		}
		if flagListDisplays {
			return controller.PrintDisplays(cmd.OutOrStdout())
		}
		opts.Mode = controller.ModeTray
		return run(cmd.Context())
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the host loop: capture, encode, and stream to peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts.Mode = controller.ModeHost
		return run(cmd.Context())
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <peer_code>",
	Short: "Connect to a host by peer code and run the client loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts.Mode = controller.ModeConnect
		opts.PeerCode = args[0]
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	argsParsed = true
	log := controller.NewLogger(os.Stderr)
	return controller.New(opts, log).Run(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.IntVar(&opts.Port, "port", transport.DefaultPort, "UDP bind port")
	pf.IntVar(&opts.Display, "display", 0, "display index for the capture backend")
	pf.IntVar(&opts.BitrateKbps, "bitrate", 0, "encoder bitrate in kbps (0 = backend default)")
	pf.IntVar(&opts.FPS, "fps", 0, "capture/stream frame rate (0 = default)")
	pf.StringVar(&opts.Codec, "codec", "", "video codec (h264, h265)")
	pf.BoolVar(&opts.NoDiscovery, "no-discovery", false, "disable mDNS and broadcast discovery")
	pf.BoolVar(&opts.LatencyLog, "latency-log", false, "log per-stage latency percentiles")
	pf.Int64Var(&opts.LatencyIntervalMS, "latency-interval", 5000, "latency report interval in ms")
	pf.StringVar(&opts.StatusAddr, "status-addr", "", "listen address for the read-only status HTTP server")
	pf.StringVar(&opts.CtlSocketPath, "ctl-socket", "", "control socket path (default: enabled in tray mode only)")
	pf.StringVar(&opts.Label, "identity", "", "identity label (default: hostname)")

	rootCmd.Flags().BoolVar(&flagQR, "qr", false, "print this device's peer code as a QR and exit")
	rootCmd.Flags().BoolVar(&flagListDisplays, "list-displays", false, "list capturable displays and exit")

	rootCmd.AddCommand(hostCmd, connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		if !argsParsed {
			os.Exit(1)
		}
		os.Exit(controller.ExitCode(err))
	}
}
