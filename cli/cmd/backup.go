package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
	"southwinds.dev/tryst/internal/misc"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore the identity",
	Long: `Create an encrypted backup of the identity keys, rotation history and archived keys,
or restore an identity from a backup. The identity passphrase protects the backup.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create [backup-file]",
	Short: "Create a backup",
	Long:  "Create an encrypted backup file. The default name is tryst-backup-<timestamp>.json in the current directory.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore from backup",
	Long:  "Restore the identity from an encrypted backup file. Restore refuses to overwrite an existing identity.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
}

func createBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	destination := fmt.Sprintf("tryst-backup-%s.json", time.Now().UTC().Format("20060102T150405Z"))
	if len(args) == 1 {
		destination = args[0]
	}
	if err = os.MkdirAll(filepath.Dir(destination), 0700); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup directory: %w", err), started)
	}

	data, err := core.ExportBackup(pass)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}
	if err = os.WriteFile(destination, data, misc.FilePermissions); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write backup: %w", err), started)
	}

	var container tryst.IdentityBackup
	if err = json.Unmarshal(data, &container); err == nil {
		fmt.Printf("Backup ID:   %s\n", container.BackupID)
		fmt.Printf("Fingerprint: %s\n", container.Fingerprint)
	}
	fmt.Printf("Backup created successfully: %s (%d bytes)\n", destination, len(data))
	return auditCmdComplete(cmd, nil, started)
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	backupFile := args[0]

	pass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	data, err := os.ReadFile(backupFile)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read backup: %w", err), started)
	}

	fmt.Printf("Restoring from backup: %s\n", backupFile)
	fingerprint, err := core.RestoreBackup(data, pass)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Println("Backup restored successfully")
	fmt.Printf("Fingerprint: %s\n", fingerprint)
	return auditCmdComplete(cmd, nil, started)
}
