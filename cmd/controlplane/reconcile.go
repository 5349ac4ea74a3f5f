package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/rpc"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		Long: "Reconcile corrects workflow runs whose status disagrees with their generation. " +
			"With --rpc the pass runs inside a live control plane, which also sees in-flight generations.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID, _ := cmd.Flags().GetString("workflow")
			addr, _ := cmd.Flags().GetString("rpc")

			if addr != "" {
				client, err := rpc.Dial(addr)
				if err != nil {
					return err
				}
				defer client.Close()
				n, err := client.Reconcile(workflowID)
				if err != nil {
					return fmt.Errorf("reconcile failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "corrected %d run(s)\n", n)
				return nil
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var n int
			if workflowID != "" {
				n, err = a.svc.ReconcileWorkflow(cmd.Context(), workflowID)
			} else {
				n, err = a.svc.ReconcileAll(cmd.Context())
			}
			if err != nil {
				log.Error("reconcile failed", zap.Int("corrected", n), zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "corrected %d run(s)\n", n)
			return nil
		},
	}

	cmd.Flags().String("workflow", "", "Reconcile only this workflow")
	cmd.Flags().String("rpc", "", "Address of a running control plane's admin RPC server")
	return cmd
}
