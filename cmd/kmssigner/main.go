// Command kmssigner inspects and uses signing keys held by a custody backend.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bluewhale55/web3-kms-signer/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries state shared by subcommands.
type app struct {
	configPath string
	backend    string
	metricsOut string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "kmssigner",
		Short: "Sign blockchain transactions with keys held in a KMS",
		Long: `kmssigner produces recoverable secp256k1 signatures with keys held by
Google Cloud KMS, OpenBao or a local HD wallet.

Configuration is read from kmssigner.yaml and KMSSIGNER_* environment variables.

Examples:
  # Show the Ethereum address of a Cloud KMS key
  KMSSIGNER_KEY_RING_PROJECT_ID=my-project \
  KMSSIGNER_KEY_RING_KEY_RING_ID=signers \
  kmssigner address --key hot-wallet

  # Sign a digest with an EIP-155 chain id
  kmssigner sign --key hot-wallet --digest 0x... --chain-id 1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.backend != "" {
				cfg.Backend = a.backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			a.logger = newLogger(cmd, cfg.Log)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ./kmssigner.yaml)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "custody backend: gcp, openbao or local")
	root.PersistentFlags().StringVar(&a.metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(
		newPubKeyCmd(a),
		newAddressCmd(a),
		newCosmosAddressCmd(a),
		newSignCmd(a),
		newCreateKeyCmd(a),
		newCreateKeyRingCmd(a),
		newListKeysCmd(a),
	)
	return root
}

func newLogger(cmd *cobra.Command, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
}
