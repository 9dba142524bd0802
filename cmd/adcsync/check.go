package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/adcsync/internal/portalsync"
)

func newCheckCommand(flags *rootFlags) *cobra.Command {
	var (
		size     int64
		modified string
	)
	cmd := &cobra.Command{
		Use:   "check <logical-path>",
		Short: "Report whether a local copy would replace the portal copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			req := portalsync.CheckRequest{Path: args[0], LocalSize: size}
			if modified != "" {
				if req.LocalModified, err = time.Parse(time.RFC3339, modified); err != nil {
					return fmt.Errorf("--modified: %w", err)
				}
			}
			a, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.engine.Check(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&size, "size", -1, "local size in bytes, -1 when unknown")
	cmd.Flags().StringVar(&modified, "modified", "", "local modification time (RFC3339)")
	return cmd
}
