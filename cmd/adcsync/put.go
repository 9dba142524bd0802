package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/adcsync/internal/portalsync"
)

type putFlags struct {
	modified string
	revision int64
	override int64
}

func newPutCommand(flags *rootFlags) *cobra.Command {
	pf := &putFlags{}
	cmd := &cobra.Command{
		Use:   "put <file> <logical-path>",
		Short: "Upload one file unless the portal copy is current",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req := portalsync.Request{
				Path:          args[1],
				Payload:       payload,
				LocalModified: info.ModTime().UTC(),
			}
			if pf.modified != "" {
				if req.LocalModified, err = time.Parse(time.RFC3339, pf.modified); err != nil {
					return fmt.Errorf("--modified: %w", err)
				}
			}
			if cmd.Flags().Changed("revision") {
				req.CurrentRevision = portalsync.Rev(pf.revision)
			}
			if cmd.Flags().Changed("override") {
				req.RevisionOverride = portalsync.Rev(pf.override)
			}

			a, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.engine.Upsert(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&pf.modified, "modified", "", "local modification time (RFC3339), defaults to the file's mtime")
	cmd.Flags().Int64Var(&pf.revision, "revision", 0, "current revision of the source document")
	cmd.Flags().Int64Var(&pf.override, "override", 0, "revision at which the source was last force-synced")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
