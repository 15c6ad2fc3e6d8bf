package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a message for a peer",
	Long: `Encrypt and sign a message for a known peer and print the armored block.

The message is read from --in or standard input.`,
	Example: `  echo "meet at noon" | tryst encrypt --to 3f2a...
  tryst encrypt --to 3f2a... --in note.txt --out note.tryst --ttl 1h`,
	RunE: runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a message addressed to this identity",
	Long: `Decrypt an armored block, check its timestamps, replay status and sender signature,
and print the plaintext. The block is read from --in or standard input.`,
	RunE: runDecrypt,
}

var (
	recipientFP  string
	messageTTL   time.Duration
	replyTo      string
	inputFile    string
	outputFile   string
	showMetadata bool
)

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)

	encryptCmd.Flags().StringVar(&recipientFP, "to", "", "Recipient fingerprint (required)")
	encryptCmd.Flags().DurationVar(&messageTTL, "ttl", 0, "Message lifetime (default from tryst.message_ttl)")
	encryptCmd.Flags().StringVar(&replyTo, "reply-to", "", "Message ID this message replies to")
	encryptCmd.Flags().StringVar(&inputFile, "in", "", "Read the message from a file")
	encryptCmd.Flags().StringVarP(&outputFile, "out", "o", "", "Write the block to a file")
	_ = encryptCmd.MarkFlagRequired("to")

	decryptCmd.Flags().StringVar(&inputFile, "in", "", "Read the block from a file")
	decryptCmd.Flags().StringVarP(&outputFile, "out", "o", "", "Write the plaintext to a file")
	decryptCmd.Flags().BoolVar(&showMetadata, "metadata", false, "Print message metadata to stderr")
	decryptCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the message and metadata as JSON")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	plaintext, err := readInput(inputFile)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	session, err := openSession()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to unlock identity: %w", err), started)
	}
	defer session.Close()

	block, err := session.EncryptTo(cmd.Context(), plaintext, recipientFP, tryst.EncryptOptions{
		TTL:     messageTTL,
		ReplyTo: replyTo,
	})
	if err != nil {
		if errors.Is(err, tryst.ErrSenderUnknown) {
			err = fmt.Errorf("unknown recipient %s, add it with \"tryst peer add\": %w", recipientFP, err)
		}
		return auditCmdComplete(cmd, fmt.Errorf("failed to encrypt: %w", err), started)
	}

	return auditCmdComplete(cmd, writeOutput(outputFile, []byte(block)), started)
}

type decryptResult struct {
	Message   string    `json:"message"`
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sent_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Verified  bool      `json:"verified"`
	Status    string    `json:"status"`
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	block, err := readInput(inputFile)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	session, err := openSession()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to unlock identity: %w", err), started)
	}
	defer session.Close()

	msg, err := session.Decrypt(cmd.Context(), string(block))
	if err != nil {
		var rateErr *tryst.RateLimitError
		if errors.As(err, &rateErr) {
			return auditCmdComplete(cmd, fmt.Errorf("rate limited, retry in %s: %w", rateErr.RetryAfter.Round(time.Second), err), started)
		}
		return auditCmdComplete(cmd, fmt.Errorf("failed to decrypt: %w", err), started)
	}

	meta := msg.Metadata
	if jsonOutput {
		data, err := json.MarshalIndent(decryptResult{
			Message:   string(msg.Plaintext),
			MessageID: meta.MessageID,
			Sender:    meta.SenderFingerprint,
			Recipient: msg.RecipientFingerprint,
			SentAt:    meta.SentAt().UTC(),
			ExpiresAt: meta.Expiry().UTC(),
			ReplyTo:   meta.ReplyTo,
			Verified:  msg.Verified,
			Status:    string(msg.Status),
		}, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		return auditCmdComplete(cmd, writeOutput(outputFile, append(data, '\n')), started)
	}

	if showMetadata || !msg.Verified {
		fmt.Fprintf(os.Stderr, "Message ID: %s\n", meta.MessageID)
		fmt.Fprintf(os.Stderr, "Sender:     %s\n", meta.SenderFingerprint)
		fmt.Fprintf(os.Stderr, "Sent at:    %s\n", meta.SentAt().UTC().Format(time.RFC3339))
		fmt.Fprintf(os.Stderr, "Expires at: %s\n", meta.Expiry().UTC().Format(time.RFC3339))
		if meta.ReplyTo != "" {
			fmt.Fprintf(os.Stderr, "Reply to:   %s\n", meta.ReplyTo)
		}
		fmt.Fprintf(os.Stderr, "Signature:  %s\n", msg.Status)
	}
	if !msg.Verified {
		fmt.Fprintln(os.Stderr, "WARNING: the sender signature could not be verified")
	}

	return auditCmdComplete(cmd, writeOutput(outputFile, msg.Plaintext), started)
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		if err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Println()
		}
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "Written to %s\n", path)
	return nil
}
