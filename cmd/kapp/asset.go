package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/trailbound/kapp/pkg/client"
	"github.com/trailbound/kapp/pkg/types"
)

var assetCmd = &cobra.Command{
	Use:   "asset",
	Short: "Submit and inspect knowledge assets",
}

var assetSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a JSON-LD payload for publishing",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		input := &types.RegisterInput{
			Content: content,
			Options: &types.PublishOptions{},
		}

		if source, _ := cmd.Flags().GetString("source"); source != "" {
			input.Metadata = &types.RegisterMeta{Source: source}
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			input.Options.Priority = &v
		}
		if cmd.Flags().Changed("privacy") {
			s, _ := cmd.Flags().GetString("privacy")
			p := types.PrivacyLevel(s)
			input.Options.Privacy = &p
		}
		if cmd.Flags().Changed("epochs") {
			v, _ := cmd.Flags().GetInt("epochs")
			input.Options.Epochs = &v
		}
		if cmd.Flags().Changed("replications") {
			v, _ := cmd.Flags().GetInt("replications")
			input.Options.Replications = &v
		}
		if cmd.Flags().Changed("max-attempts") {
			v, _ := cmd.Flags().GetInt("max-attempts")
			input.Options.MaxAttempts = &v
		}

		asset, err := client.New(serverAddr).Register(cmd.Context(), input)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Asset %d registered (priority %d, privacy %s)\n",
			asset.ID, asset.Priority, asset.Privacy)
		return nil
	},
}

var assetStatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show an asset and its publishing attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid asset id: %s", args[0])
		}

		status, err := client.New(serverAddr).GetStatus(cmd.Context(), id)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var assetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assets by source tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			return fmt.Errorf("--source is required")
		}

		assets, err := client.New(serverAddr).ListBySource(cmd.Context(), source)
		if err != nil {
			return err
		}

		fmt.Printf("%-6s %-12s %-8s %-8s %s\n", "ID", "STATUS", "RETRIES", "PRIORITY", "UAL")
		for _, a := range assets {
			fmt.Printf("%-6d %-12s %-8d %-8d %s\n", a.ID, a.Status, a.RetryCount, a.Priority, a.UAL)
		}
		return nil
	},
}

var assetRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-queue failed assets for another round of attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")

		n, err := client.New(serverAddr).RetryFailed(cmd.Context(), source)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d assets re-queued\n", n)
		return nil
	},
}

func init() {
	assetSubmitCmd.Flags().StringP("file", "f", "", "path to the JSON-LD payload")
	assetSubmitCmd.MarkFlagRequired("file")
	assetSubmitCmd.Flags().String("source", "", "origin tag for the asset")
	assetSubmitCmd.Flags().Int("priority", 0, "scheduling priority (0-100)")
	assetSubmitCmd.Flags().String("privacy", "", "private or public")
	assetSubmitCmd.Flags().Int("epochs", 0, "DKG storage epochs")
	assetSubmitCmd.Flags().Int("replications", 0, "minimum node replications")
	assetSubmitCmd.Flags().Int("max-attempts", 0, "publish attempt budget")

	assetListCmd.Flags().String("source", "", "origin tag to filter by")
	assetRetryCmd.Flags().String("source", "", "limit the retry to one source")

	assetCmd.AddCommand(assetSubmitCmd)
	assetCmd.AddCommand(assetStatusCmd)
	assetCmd.AddCommand(assetListCmd)
	assetCmd.AddCommand(assetRetryCmd)
}
