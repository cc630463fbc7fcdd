package main

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/cosmos"
	"github.com/bluewhale55/web3-kms-signer/ethtx"
)

func newPubKeyCmd(a *app) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the PEM public key of a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, release, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			der, err := provider.PublicKey(cmd.Context(), keyID)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
			return err
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "key id (HD path for the local backend)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newAddressCmd(a *app) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the Ethereum address of a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, release, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			der, err := provider.PublicKey(cmd.Context(), keyID)
			if err != nil {
				return err
			}
			addr, err := ethtx.AddressFromDER(der)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "key id (HD path for the local backend)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newCosmosAddressCmd(a *app) *cobra.Command {
	var keyID, prefix string
	cmd := &cobra.Command{
		Use:   "cosmos-address",
		Short: "Print the bech32 account address of a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, release, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			signer, err := cosmos.NewSigner(provider, keyID)
			if err != nil {
				return err
			}
			addr, err := signer.Address(cmd.Context())
			if err != nil {
				return err
			}
			bech, err := sdk.Bech32ifyAddressBytes(prefix, addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bech)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "key id (HD path for the local backend)")
	cmd.Flags().StringVar(&prefix, "prefix", "cosmos", "bech32 human-readable prefix")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

type signOutput struct {
	R         string `json:"r"`
	S         string `json:"s"`
	V         uint64 `json:"v"`
	Signature string `json:"signature"`
}

func newSignCmd(a *app) *cobra.Command {
	var (
		keyID   string
		digest  string
		chainID uint64
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a 32-byte digest",
		Long: `Sign a precomputed 32-byte digest and print r, s and v as JSON.

Without --chain-id, v is 27 or 28. With --chain-id, v is EIP-155 encoded.
The "signature" field is r || s || recovery id, as expected by go-ethereum.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := hexutil.Decode(digest)
			if err != nil {
				return fmt.Errorf("invalid --digest: %w", err)
			}
			var chain *big.Int
			if cmd.Flags().Changed("chain-id") {
				chain = new(big.Int).SetUint64(chainID)
			}

			provider, release, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			sig, err := provider.Sign(cmd.Context(), keyID, raw, chain)
			if err != nil {
				return err
			}
			compact, err := sig.Bytes(chain)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(signOutput{
				R:         hexutil.Encode(sig.R[:]),
				S:         hexutil.Encode(sig.S[:]),
				V:         sig.V,
				Signature: hexutil.Encode(compact),
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "key id (HD path for the local backend)")
	cmd.Flags().StringVar(&digest, "digest", "", "0x-prefixed 32-byte digest")
	cmd.Flags().Uint64Var(&chainID, "chain-id", 0, "EIP-155 chain id")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("digest")
	return cmd
}

func newCreateKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-key [key-id]",
		Short: "Create an HSM-protected secp256k1 key",
		Long: `Create an HSM-protected secp256k1 signing key in the configured key ring.
A random UUID is used when no key id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, release, err := a.lifecycle(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			var desired string
			if len(args) == 1 {
				desired = args[0]
			}
			keyID, err := manager.CreateKey(cmd.Context(), desired)
			if keyID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), keyID)
			}
			return err
		},
	}
}

func newCreateKeyRingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-keyring <key-ring-id>",
		Short: "Create a key ring in the configured project and location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, release, err := a.lifecycle(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			id, err := manager.CreateKeyRing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newListKeysCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-keys",
		Short: "List keys created with create-key (requires store_path)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.keyStore()
			if err != nil {
				return err
			}
			if store == nil {
				return kmssigner.ErrMissingStore
			}
			defer func() { _ = store.Close() }()

			keys := store.List()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-38s %-28s %s\n", "KEY ID", "CREATED", "KEY RING")
			for _, k := range keys {
				fmt.Fprintf(w, "%-38s %-28s %s\n", k.KeyID, k.CreatedAt.Format(time.RFC3339), k.KeyRing)
			}
			if len(keys) == 0 {
				fmt.Fprintln(w, "(no keys)")
			}
			return nil
		},
	}
}
