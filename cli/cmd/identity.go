package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the local identity",
	Long:  `Create, inspect, unlock and delete the passphrase protected identity key pair.`,
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new identity",
	Long: `Generate a new RSA identity key pair and seal the private key under the passphrase.

The passphrase must be at least 12 characters with at least 4 words, mix two of
letters, digits and symbols, and avoid common words. Use "tryst identity suggest"
for a generated passphrase.`,
	RunE: runIdentityCreate,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the public identity",
	Long:  `Display the fingerprint and public key of the identity. No passphrase is needed.`,
	RunE:  runIdentityShow,
}

var identityCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the passphrase unlocks the identity",
	RunE:  runIdentityCheck,
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the identity",
	Long: `Remove the identity keys, rotation history, archived keys, session markers and the
replay ledger from storage. Peer keys are kept. This operation cannot be undone.`,
	RunE: runIdentityDelete,
}

var identityPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the identity passphrase",
	Long:  `Re-seal the current and every archived private key under a new passphrase.`,
	RunE:  runIdentityPasswd,
}

var identitySuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest a strong passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		suggestion, err := tryst.SuggestPassphrase()
		if err != nil {
			return err
		}
		fmt.Println(suggestion)
		return nil
	},
}

var (
	forceDelete   bool
	newPassphrase string
)

func init() {
	rootCmd.AddCommand(identityCmd)

	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityCheckCmd)
	identityCmd.AddCommand(identityDeleteCmd)
	identityCmd.AddCommand(identityPasswdCmd)
	identityCmd.AddCommand(identitySuggestCmd)

	identityShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	identityDeleteCmd.Flags().BoolVar(&forceDelete, "force", false, "Delete without confirmation")
	identityPasswdCmd.Flags().StringVar(&newPassphrase, "new-passphrase", "", "new identity passphrase (or use TRYST_NEW_PASSPHRASE env var)")
}

func runIdentityCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fingerprint, err := core.CreateIdentity(pass)
	if err != nil {
		var weak *tryst.WeakPassphraseError
		if errors.As(err, &weak) {
			fmt.Println("Passphrase rejected:")
			for _, reason := range weak.Reasons {
				fmt.Printf("  - %s\n", reason)
			}
		}
		return auditCmdComplete(cmd, fmt.Errorf("failed to create identity: %w", err), started)
	}

	history, err := core.Identity().History()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("Identity created successfully!")
	fmt.Printf("Fingerprint: %s\n", fingerprint)
	if history.NextRotation != nil {
		fmt.Printf("Next rotation: %s\n", history.NextRotation.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, nil, started)
}

type identityInfo struct {
	Fingerprint     string     `json:"fingerprint"`
	PublicKey       string     `json:"public_key"`
	RotationVersion int        `json:"rotation_version"`
	RotatedAt       time.Time  `json:"rotated_at"`
	NextRotation    *time.Time `json:"next_rotation,omitempty"`
	PreviousKeys    int        `json:"previous_keys"`
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	info, err := loadIdentityInfo()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Fingerprint:      %s\n", info.Fingerprint)
	fmt.Printf("Rotation version: %d\n", info.RotationVersion)
	fmt.Printf("Rotated at:       %s\n", info.RotatedAt.Format(time.RFC3339))
	if info.NextRotation != nil {
		fmt.Printf("Next rotation:    %s\n", info.NextRotation.Format(time.RFC3339))
	}
	fmt.Printf("Previous keys:    %d\n\n", info.PreviousKeys)
	fmt.Print(info.PublicKey)
	return auditCmdComplete(cmd, nil, started)
}

func loadIdentityInfo() (*identityInfo, error) {
	pemText, err := core.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	pub, err := tryst.ImportPublicPEM(pemText)
	if err != nil {
		return nil, err
	}
	fingerprint, err := tryst.Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	history, err := core.Identity().History()
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation history: %w", err)
	}
	return &identityInfo{
		Fingerprint:     fingerprint,
		PublicKey:       pemText,
		RotationVersion: history.RotationVersion,
		RotatedAt:       history.RotationTimestamp,
		NextRotation:    history.NextRotation,
		PreviousKeys:    len(history.PreviousKeys),
	}, nil
}

func runIdentityCheck(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	session, err := openSession()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to unlock identity: %w", err), started)
	}
	defer session.Close()

	fmt.Println("Passphrase OK")
	fmt.Printf("Fingerprint: %s\n", session.Fingerprint())
	fmt.Printf("Decryption keys: %d\n", len(session.Keys()))
	return auditCmdComplete(cmd, nil, started)
}

func runIdentityDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	exists, err := core.Identity().Exists()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if !exists {
		fmt.Println("No identity found.")
		return auditCmdComplete(cmd, nil, started)
	}

	if !forceDelete && !promptConfirmation("This permanently deletes the identity, every retired key and all stored peer keys. Continue?") {
		fmt.Println("Identity deletion cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = core.DeleteIdentity(); err != nil {
		var wipeErr *tryst.WipeError
		if errors.As(err, &wipeErr) {
			fmt.Printf("Identity deleted with %d leftover record(s):\n", len(wipeErr.Failures))
			for key, failure := range wipeErr.Failures {
				fmt.Printf("  %s: %v\n", key, failure)
			}
		}
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("Identity deleted.")
	return auditCmdComplete(cmd, nil, started)
}

func runIdentityPasswd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	oldPass, err := requirePassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	next := newPassphrase
	if next == "" {
		next = envOr("TRYST_NEW_PASSPHRASE", "")
	}
	if next == "" {
		err = fmt.Errorf("new passphrase is required. Use --new-passphrase flag or TRYST_NEW_PASSPHRASE environment variable")
		return auditCmdComplete(cmd, err, started)
	}

	if err = core.ChangePassphrase(oldPass, next); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to change passphrase: %w", err), started)
	}

	fmt.Println("Passphrase changed successfully!")
	return auditCmdComplete(cmd, nil, started)
}
