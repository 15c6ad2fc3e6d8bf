package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage identity keys",
	Long:  `Manage identity keys including rotation, rotation history and public key export.`,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the identity key",
	Long: `Generate a new identity key and make it current. The old key is archived and keeps
decrypting incoming messages until the transition period ends.`,
	RunE: runKeyRotate,
}

var keyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Rotate the identity key if the rotation interval has elapsed",
	RunE:  runKeyCheck,
}

var keyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the rotation history",
	Long:  `Display the current key and retired keys with their versions and transition status.`,
	RunE:  runKeyHistory,
}

var keyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current public key as PEM",
	RunE:  runKeyExport,
}

// Flags
var (
	jsonOutput     bool
	rotationReason string
	forceRotate    bool
	exportOutput   string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyCheckCmd)
	keysCmd.AddCommand(keyHistoryCmd)
	keysCmd.AddCommand(keyExportCmd)

	keyRotateCmd.Flags().StringVar(&rotationReason, "reason", "", "Reason recorded in the audit log")
	keyRotateCmd.Flags().BoolVar(&forceRotate, "force", false, "Rotate without confirmation")
	keyHistoryCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write the key to a file instead of stdout")
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if !forceRotate && !promptConfirmation("This will generate a new identity key. Peers need the new public key for future messages. Continue?") {
		fmt.Println("Key rotation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	reason := rotationReason
	if reason == "" {
		reason = "manual rotation"
	}
	history, err := core.RotateKeys(pass, reason)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate key: %w", err), started)
	}

	printRotationResult(history)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyCheck(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	rotated, history, err := core.RotateIfDue(pass)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to check rotation: %w", err), started)
	}
	if !rotated {
		fmt.Println("Rotation not due.")
		if history.NextRotation != nil {
			fmt.Printf("Next rotation: %s\n", history.NextRotation.Format(time.RFC3339))
		}
		return auditCmdComplete(cmd, nil, started)
	}

	printRotationResult(history)
	return auditCmdComplete(cmd, nil, started)
}

func printRotationResult(history *tryst.KeyHistory) {
	fmt.Println("Key rotation completed successfully!")
	fmt.Printf("Rotation version: %d\n", history.RotationVersion)
	if pub, err := tryst.ImportPublicPEM(history.CurrentKey); err == nil {
		if fp, err := tryst.Fingerprint(pub); err == nil {
			fmt.Printf("New fingerprint: %s\n", fp)
		}
	}
	if history.NextRotation != nil {
		fmt.Printf("Next rotation: %s\n", history.NextRotation.Format(time.RFC3339))
	}
}

type historyEntry struct {
	Version       int        `json:"version"`
	Fingerprint   string     `json:"fingerprint"`
	Status        string     `json:"status"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func runKeyHistory(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	history, err := core.Identity().History()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load rotation history: %w", err), started)
	}

	entries, err := buildHistoryEntries(history)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tFINGERPRINT\tSTATUS\tDEACTIVATED\tEXPIRES")
	_, _ = fmt.Fprintln(w, "-------\t-----------\t------\t-----------\t-------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Version, shortFingerprint(e.Fingerprint), e.Status,
			formatOptionalTime(e.DeactivatedAt), formatOptionalTime(e.ExpiresAt))
	}
	_ = w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func buildHistoryEntries(history *tryst.KeyHistory) ([]historyEntry, error) {
	currentFP, err := fingerprintOfPEM(history.CurrentKey)
	if err != nil {
		return nil, err
	}
	entries := []historyEntry{{
		Version:     history.RotationVersion,
		Fingerprint: currentFP,
		Status:      "current",
	}}

	transition := core.Options().Rotation.TransitionPeriod
	valid := make(map[int]bool)
	for _, prev := range core.Identity().Rotation().ValidPrevious(history) {
		valid[prev.Version] = true
	}
	for _, prev := range history.PreviousKeys {
		fp, err := fingerprintOfPEM(prev.PublicKey)
		if err != nil {
			return nil, err
		}
		created, deactivated := prev.CreatedAt, prev.DeactivatedAt
		expires := deactivated.Add(transition)
		status := "expired"
		if valid[prev.Version] {
			status = "transition"
		}
		entries = append(entries, historyEntry{
			Version:       prev.Version,
			Fingerprint:   fp,
			Status:        status,
			CreatedAt:     &created,
			DeactivatedAt: &deactivated,
			ExpiresAt:     &expires,
		})
	}
	return entries, nil
}

func runKeyExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pemText, err := core.PublicKeyPEM()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to export public key: %w", err), started)
	}

	if exportOutput == "" {
		fmt.Print(pemText)
		return auditCmdComplete(cmd, nil, started)
	}
	if err = os.WriteFile(exportOutput, []byte(pemText), 0644); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write public key: %w", err), started)
	}
	fmt.Printf("Public key written to %s\n", exportOutput)
	return auditCmdComplete(cmd, nil, started)
}

func fingerprintOfPEM(pemText string) (string, error) {
	pub, err := tryst.ImportPublicPEM(pemText)
	if err != nil {
		return "", err
	}
	return tryst.Fingerprint(pub)
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
