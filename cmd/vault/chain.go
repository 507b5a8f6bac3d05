package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/microvault/internal/domain"
)

func newChainBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chain-balance [address]",
		Short: "Read the ERC-20 deposit token balance of the custody key or an address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cfg.Chain.Enabled() {
				return errors.New("chain.rpc_url is not configured")
			}
			token, err := openChainToken(cfg.Chain)
			if err != nil {
				return err
			}

			holder := token.Holder()
			if len(args) == 1 {
				holder = domain.Address(args[0])
			}
			bal, err := token.BalanceOf(cmd.Context(), holder)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", holder, domain.FormatUnits(bal, cfg.Vault.AssetDecimals))
			return nil
		},
	}
}
