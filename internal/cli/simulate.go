package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateRatio   float64
	simulateReserve float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Drive one keeper bucket with a fixed ratio to exercise alerting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRatio <= 0 || simulateReserve <= 0 {
			return errors.New("--ratio and --reserve-price must be greater than 0")
		}

		ratio := decimal.NewFromFloat(simulateRatio)
		reserve := decimal.NewFromFloat(simulateReserve)
		return getApp().SimulateAlert(cmd.Context(), ratio, reserve)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateRatio, "ratio", 0, "Collateral ratio to simulate")
	simulateCmd.Flags().Float64Var(&simulateReserve, "reserve-price", 0, "Reserve asset price to report")
}
