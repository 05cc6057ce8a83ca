package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and repair the session index",
	}
	cmd.AddCommand(newIndexVerifyCmd(), newIndexRepairCmd())
	return cmd
}

func newIndexVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the index with the workspaces on disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStorage(cmd.Context(), cfg, stderrLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := st.index.VerifyConsistency()
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func newIndexRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Add missing workspaces to the index and drop stale entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStorage(cmd.Context(), cfg, stderrLogger(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.index.Repair(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
