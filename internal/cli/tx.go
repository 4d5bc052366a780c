package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"stable-ledger/internal/app"
)

var (
	txAddr   string
	txCaller string
	txAmount string
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Lock reserve collateral and mint stable units",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := txOptions()
		if err != nil {
			return err
		}
		return getApp().SubmitMint(cmd.Context(), opts)
	},
}

var redeemCmd = &cobra.Command{
	Use:   "redeem",
	Short: "Burn stable units through the redemption waterfall",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := txOptions()
		if err != nil {
			return err
		}
		return getApp().SubmitRedeem(cmd.Context(), opts)
	},
}

var redeemBondCmd = &cobra.Command{
	Use:   "redeem-bond",
	Short: "Convert bonds back to stable units while surplus allows",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := txOptions()
		if err != nil {
			return err
		}
		return getApp().SubmitRedeemBond(cmd.Context(), opts)
	},
}

func txOptions() (app.TxOptions, error) {
	if txCaller == "" {
		return app.TxOptions{}, errors.New("--caller is required")
	}
	if txAmount == "" {
		return app.TxOptions{}, errors.New("--amount is required")
	}
	return app.TxOptions{Addr: txAddr, Caller: txCaller, Amount: txAmount}, nil
}

func init() {
	for _, cmd := range []*cobra.Command{mintCmd, redeemCmd, redeemBondCmd} {
		cmd.Flags().StringVar(&txAddr, "addr", "", "Address of a running service (defaults to server.listen_addr)")
		cmd.Flags().StringVar(&txCaller, "caller", "", "Hex account address submitting the request")
		cmd.Flags().StringVar(&txAmount, "amount", "", "Amount as a decimal number")
	}
}
