package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trailbound/kapp/pkg/client"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the publishing wallet pool",
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import wallets from a YAML manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open manifest: %w", err)
		}
		defer f.Close()

		added, skipped, err := client.New(serverAddr).ImportWallets(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d wallets imported, %d already present\n", added, skipped)
		return nil
	},
}

var walletStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show wallet pool availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.New(serverAddr).WalletStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Total:     %d\n", stats.Total)
		fmt.Printf("Available: %d\n", stats.Available)
		fmt.Printf("In use:    %d\n", stats.InUse)
		fmt.Printf("Avg uses:  %.1f\n", stats.AvgUses)
		return nil
	},
}

var walletUnlockCmd = &cobra.Command{
	Use:   "unlock-stuck",
	Short: "Force-release wallets locked past the wallet budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		freed, err := client.New(serverAddr).UnlockStuckWallets(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d wallets unlocked\n", freed)
		return nil
	},
}

func init() {
	walletImportCmd.Flags().StringP("file", "f", "", "path to the wallet manifest")
	walletImportCmd.MarkFlagRequired("file")

	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletStatsCmd)
	walletCmd.AddCommand(walletUnlockCmd)
}
