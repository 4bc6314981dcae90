// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// mixlink is the command line mixnet client.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/colorprofile"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/mixlink/mixlink/client"
	"github.com/mixlink/mixlink/client/config"
	"github.com/mixlink/mixlink/common"
	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/log"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/directory"
	"github.com/mixlink/mixlink/internal/profiling"
)

const (
	flagConfig      = "config"
	flagQR          = "qr"
	defaultDeadline = 2 * time.Minute
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
)

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mixlink",
		Short: "Mixnet client",
		Long: `mixlink sends and receives messages over a layered mixnet.

Messages are wrapped in Sphinx packets routed through one mix per layer
before reaching a gateway, which delivers them to the recipient.  The
network topology is fetched from a directory service and the client holds
a session with one gateway for sending and receiving.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newAddressCommand(),
		newGeometryCommand(),
		newTopologyCommand(),
		newGatewayCommand(),
		newSendCommand(),
		newRunCommand(),
	)
	return cmd
}

func newAddressCommand() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Generate a random client address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.NewRandom(rand.Reader)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr.String())
			if qr {
				printQR(cmd.OutOrStdout(), addr.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, flagQR, false, "also print the address as a QR code")
	return cmd
}

func newGeometryCommand() *cobra.Command {
	var (
		layers, payload int
		qr              bool
	)
	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the Sphinx packet geometry",
		Long:  "Print the Sphinx packet geometry for the given mix layer count and payload length as TOML.",
		Example: `  # The default geometry
  mixlink geometry

  # Five mix layers and 2KiB payloads
  mixlink geometry --layers 5 --payload 2048`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if layers < 1 {
				return common.UsageErrorf("--layers must be at least 1, got %d", layers)
			}
			if payload < 2 {
				return common.UsageErrorf("--payload must be at least 2, got %d", payload)
			}
			geo := sphinx.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), payload, layers)
			if err := geo.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", geo.Display())
			if qr {
				printQR(cmd.OutOrStdout(), geo.Display())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&layers, "layers", constants.DefaultMixLayers, "number of mix layers")
	cmd.Flags().IntVar(&payload, "payload", constants.DefaultForwardPayloadLength, "forward payload length in bytes")
	cmd.Flags().BoolVar(&qr, flagQR, false, "also print the geometry as a QR code")
	return cmd
}

func newTopologyCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Fetch and print the network topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
			if err != nil {
				return err
			}
			defer logBackend.Close()
			dir, err := directory.New(&directory.Config{
				URL:        cfg.Directory.URL,
				Timeout:    time.Duration(cfg.Directory.Timeout) * time.Second,
				NrLayers:   cfg.Sphinx.MixLayers,
				LogBackend: logBackend,
			})
			if err != nil {
				return err
			}
			topo, err := dir.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			w := output(cmd)
			fmt.Fprintln(w, labelStyle.Render("Directory:"), faintStyle.Render(dir.Endpoint()))
			fmt.Fprint(w, topo.String())
			return nil
		},
	}
	addConfigFlag(cmd, &configFile)
	return cmd
}

func newGatewayCommand() *cobra.Command {
	var directoryURL string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Print the client listener of the first gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := client.GetInitialGatewayAddress(cmd.Context(), directoryURL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
	cmd.Flags().StringVarP(&directoryURL, "directory", "d", "", "directory base URL")
	cmd.MarkFlagRequired("directory")
	return cmd
}

func newSendCommand() *cobra.Command {
	var (
		configFile, recipient, message string
		timeout                        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message to a recipient",
		Example: `  # Send a message
  mixlink send -c client.toml --recipient 4QkXxy8p... --message "hello"

  # Send a message read from stdin
  echo hello | mixlink send -c client.toml --recipient 4QkXxy8p...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := address.FromString(recipient)
			if err != nil {
				return common.UsageErrorf("--recipient: %v", err)
			}
			msg := []byte(message)
			if message == "" {
				if msg, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := startClient(ctx, configFile)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			if err = c.Send(ctx, to, msg); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintln(output(cmd), labelStyle.Render("Sent"), len(msg), "bytes to", to.String())
			return nil
		},
	}
	addConfigFlag(cmd, &configFile)
	cmd.Flags().StringVarP(&recipient, "recipient", "r", "", "recipient address (base58)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send, read from stdin if omitted")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultDeadline, "give up after this long")
	cmd.MarkFlagRequired("recipient")
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and print received messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := startClient(ctx, configFile)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			w := output(cmd)
			fmt.Fprintln(w, labelStyle.Render("Listening as"), c.Address().String())
			for {
				select {
				case msg, ok := <-c.Received():
					if !ok {
						return nil
					}
					fmt.Fprintf(w, "%s %s\n", faintStyle.Render(time.Now().Format(time.TimeOnly)), msg)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	addConfigFlag(cmd, &configFile)
	return cmd
}

func addConfigFlag(cmd *cobra.Command, configFile *string) {
	cmd.Flags().StringVarP(configFile, flagConfig, "c", "", "path to the client configuration file (TOML format)")
	cmd.MarkFlagRequired(flagConfig)
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

func startClient(ctx context.Context, configFile string) (*client.Client, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	stopProfiling, err := profiling.Start(c.GetBackendLog().GetLogger("profiling"), "mixlink")
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.Go(func() {
		<-c.HaltCh()
		stopProfiling()
	})

	if err = c.Start(ctx); err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return c, nil
}

// output returns the command output, with styling downsampled to what the
// terminal supports.
func output(cmd *cobra.Command) io.Writer {
	return colorprofile.NewWriter(cmd.OutOrStdout(), os.Environ())
}

func printQR(w io.Writer, s string) {
	qrterminal.GenerateWithConfig(s, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     w,
		HalfBlocks: true,
		QuietZone:  1,
	})
}
