// Command knxdial is a small demonstration client for the knxnet
// connection engine: it dials a KNXnet/IP server, holds the tunnelling
// connection open, and logs every inbound cEMI frame until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/berhankanbur/calimero-core"
)

var (
	serverAddr string
	tcpMode    bool
	nat        bool
	deviceMgmt bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "knxdial",
	Short: "Dial a KNXnet/IP server and hold a tunnelling connection open",
	Long: `knxdial establishes a KNXnet/IP connection to a server's control
endpoint and keeps it alive with the connection engine's heartbeat, logging
every inbound cEMI frame until interrupted.`,
	RunE: runDial,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "server control endpoint, host:port (required)")
	rootCmd.Flags().BoolVarP(&tcpMode, "tcp", "t", false, "use a TCP shared stream instead of UDP")
	rootCmd.Flags().BoolVarP(&nat, "nat", "n", false, "enable NAT-aware data endpoint substitution (UDP only)")
	rootCmd.Flags().BoolVar(&deviceMgmt, "device-mgmt", false, "open a device management connection instead of tunnelling")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.MarkFlagRequired("server")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDial(cmd *cobra.Command, args []string) error {
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctrl, err := net.ResolveUDPAddr("udp4", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve server address %q: %w", serverAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("interrupt received, closing connection")
		cancel()
	}()

	onFrame := func(cemi []byte) {
		log.Info().Str("cemi", hex.EncodeToString(cemi)).Msg("received frame")
	}

	opts := []knxnet.DialOption{}
	if nat {
		opts = append(opts, knxnet.WithNAT())
	}
	if deviceMgmt {
		opts = append(opts, knxnet.WithProfile(knxnet.DeviceManagementProfile()))
	}

	var conn *knxnet.Connection
	if tcpMode {
		tcpConn, err := net.Dial("tcp4", serverAddr)
		if err != nil {
			return fmt.Errorf("dial TCP control endpoint: %w", err)
		}
		shared, err := knxnet.NewSharedStream(tcpConn)
		if err != nil {
			return fmt.Errorf("wrap shared stream: %w", err)
		}
		go func() {
			if err := shared.Run(); err != nil {
				log.Error().Err(err).Msg("shared stream terminated")
			}
		}()
		conn, err = knxnet.DialTCP(ctx, shared, ctrl, onFrame, opts...)
		if err != nil {
			_ = shared.Close()
			return fmt.Errorf("connect: %w", err)
		}
	} else {
		conn, err = knxnet.Dial(ctx, ctrl, onFrame, opts...)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	tunnelAddress := "none"
	if addr := conn.TunnelingAddress(); addr != nil {
		tunnelAddress = addr.String()
	}
	log.Info().
		Uint8("channel", conn.ChannelID()).
		Str("tunnelAddress", tunnelAddress).
		Msg("connected")

	<-ctx.Done()
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Msg("close reported an error")
	}
	<-conn.Done()
	return nil
}
