package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scripthost/pkg/config"
	"scripthost/services/backup"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Signed backups of the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBackupCreateCommand())
	cmd.AddCommand(newBackupVerifyCommand())
	cmd.AddCommand(newBackupRestoreCommand())
	return cmd
}

func loadSigner(cmd *cobra.Command) (config.Backup, *backup.Signer, error) {
	cfg, err := config.LoadBackup(commandContext(cmd))
	if err != nil {
		return config.Backup{}, nil, err
	}
	signer, err := backup.NewSigner(cfg.AgeSecretKey, cfg.AgePublicKey)
	if err != nil {
		return config.Backup{}, nil, err
	}
	return cfg, signer, nil
}

func newBackupCreateCommand() *cobra.Command {
	var (
		dir    string
		output string
		skip   []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a signed tar.zst backup of the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, signer, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.DataDir
			}
			if output == "" {
				output = fmt.Sprintf("scripthost-%s.tar.zst", time.Now().UTC().Format("20060102T150405Z"))
			}
			_, err = backup.Build(commandContext(cmd), backup.BuildConfig{
				Root:   dir,
				Output: output,
				Signer: signer,
				Skip:   skip,
				Stdout: cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory to back up (defaults to DATA_DIR)")
	cmd.Flags().StringVar(&output, "output", "", "Destination backup file (tar.zst)")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "Top-level entries of the directory to leave out")
	return cmd
}

func newBackupVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a backup's signature and file digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, signer, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			m, err := backup.Verify(commandContext(cmd), file, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified backup %s created %s (%d files, %d bytes)\n",
				m.ID, m.CreatedAt.Format(time.RFC3339), len(m.Files), m.TotalSize())
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the backup tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBackupRestoreCommand() *cobra.Command {
	var (
		file string
		dest string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Verify a backup and unpack it into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, signer, err := loadSigner(cmd)
			if err != nil {
				return err
			}
			m, err := backup.Restore(commandContext(cmd), file, dest, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d files into %s\n", len(m.Files), dest)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the backup tar.zst")
	cmd.Flags().StringVar(&dest, "dest", "", "Directory to restore into")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}
