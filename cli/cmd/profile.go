package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Sign and verify profile documents",
	Long: `Sign a JSON profile document with the identity key or verify a signed profile
against a peer public key. Signatures are valid for one hour after signing.`,
}

var profileSignCmd = &cobra.Command{
	Use:   "sign <profile.json>",
	Short: "Sign a profile document",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileSign,
}

var profileVerifyCmd = &cobra.Command{
	Use:   "verify <profile.json>",
	Short: "Verify a signed profile document",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileVerify,
}

var profileKeyFile string

func init() {
	rootCmd.AddCommand(profileCmd)

	profileCmd.AddCommand(profileSignCmd)
	profileCmd.AddCommand(profileVerifyCmd)

	profileSignCmd.Flags().StringVarP(&outputFile, "out", "o", "", "Write the signed profile to a file")
	profileVerifyCmd.Flags().StringVar(&profileKeyFile, "key", "", "Signer public key PEM file (default: own identity)")
}

func readProfile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	var doc map[string]any
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return doc, nil
}

func runProfileSign(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	doc, err := readProfile(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	session, err := openSession()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to unlock identity: %w", err), started)
	}
	defer session.Close()

	signed, err := session.SignProfile(doc)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to sign profile: %w", err), started)
	}
	data, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	return auditCmdComplete(cmd, writeOutput(outputFile, append(data, '\n')), started)
}

func runProfileVerify(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	doc, err := readProfile(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	var pemText string
	if profileKeyFile != "" {
		data, err := os.ReadFile(profileKeyFile)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to read key file: %w", err), started)
		}
		pemText = string(data)
	} else if pemText, err = core.PublicKeyPEM(); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load public key: %w", err), started)
	}

	pub, err := tryst.ImportPublicPEM(pemText)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	valid, err := core.VerifyProfile(doc, pub)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to verify profile: %w", err), started)
	}
	if !valid {
		return auditCmdComplete(cmd, fmt.Errorf("profile signature is invalid or outside its validity window"), started)
	}

	fmt.Println("Profile signature is valid.")
	return auditCmdComplete(cmd, nil, started)
}
