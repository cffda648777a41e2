package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/dccp/internal/bridge"
	"github.com/ocx/dccp/internal/core"
)

var ingestFlags struct {
	encoding string
	backup   bool
	zone     string
}

var pruneMaxAge time.Duration

func init() {
	ingestCmd.Flags().StringVar(&ingestFlags.encoding, "encoding", "utf-8", "content encoding: utf-8|base64")
	ingestCmd.Flags().BoolVar(&ingestFlags.backup, "backup", true, "back up an existing file before overwriting")
	ingestCmd.Flags().StringVar(&ingestFlags.zone, "zone", "staging", "deployment zone: staging|production")
	backupsPruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "delete backups older than this (default: configured retention)")

	backupsCmd.AddCommand(backupsListCmd, backupsPruneCmd)
	rootCmd.AddCommand(ingestCmd, backupsCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <path> <file|->",
	Short: "Write content to a path under the bridge root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBridge()
		if err != nil {
			return err
		}
		content, err := readInput(cmd, args[1])
		if err != nil {
			return err
		}
		res, err := b.Ingest(cmd.Context(), bridge.Payload{
			FilePath: args[0],
			Content:  content,
			Encoding: ingestFlags.encoding,
			Backup:   ingestFlags.backup,
			Zone:     core.ParseZone(ingestFlags.zone),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune bridge backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, oldest name first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBridge()
		if err != nil {
			return err
		}
		backups, err := b.ListBackups()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), backups)
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBridge()
		if err != nil {
			return err
		}
		removed, err := b.PruneBackups(pruneMaxAge)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
	},
}

func openBridge() (*bridge.Bridge, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bridge.New(bridge.Config{
		Root:              cfg.Bridge.Root,
		AllowedExtensions: cfg.Bridge.AllowedExtensions,
		BackupDir:         cfg.Bridge.BackupDir,
		Retention:         cfg.Bridge.Retention(),
		DisableBackups:    !cfg.Bridge.BackupEnabled,
	})
}
