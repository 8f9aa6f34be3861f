package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/mirror"
	"github.com/spf13/cobra"
)

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Rebuild the manifest from the files already in the local directory",
		Long: "Hashes every file in the local directory and writes a fresh manifest, " +
			"so the next sync only downloads files whose content differs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			engine, err := mirror.NewEngine(cfg, nil, nil)
			if err != nil {
				return err
			}
			m, err := engine.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "manifest written: %s (%s files)\n", cfg.ManifestPath, humanize.Comma(int64(m.Len())))
			return err
		},
	}
}
