package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/tryst"
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage peer public keys",
	Long:  `Manage the public keys of peers. Messages are encrypted to peers and their signatures are checked against these keys.`,
}

var peerAddCmd = &cobra.Command{
	Use:   "add <pem-file>",
	Short: "Add a peer public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeerAdd,
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers",
	RunE:  runPeerList,
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <fingerprint>",
	Short: "Forget a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeerRemove,
}

func init() {
	rootCmd.AddCommand(peerCmd)

	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerRemoveCmd)
}

func runPeerAdd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read key file: %w", err), started)
	}
	fingerprint, err := peers.Add(string(data))
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to add peer: %w", err), started)
	}

	fmt.Printf("Peer added: %s\n", fingerprint)
	return auditCmdComplete(cmd, nil, started)
}

func runPeerList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	fingerprints, err := peers.List()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list peers: %w", err), started)
	}
	if len(fingerprints) == 0 {
		fmt.Println("No peers found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FINGERPRINT\tKEY SIZE")
	_, _ = fmt.Fprintln(w, "-----------\t--------")
	for _, fp := range fingerprints {
		size := "?"
		if pub, err := peers.LookupPublicKey(context.Background(), fp); err == nil {
			size = fmt.Sprintf("%d", pub.N.BitLen())
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", fp, size)
	}
	_ = w.Flush()

	fmt.Printf("\nTotal: %d peer(s)\n", len(fingerprints))
	return auditCmdComplete(cmd, nil, started)
}

func runPeerRemove(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := peers.Remove(args[0]); err != nil {
		if errors.Is(err, tryst.ErrSenderUnknown) {
			err = fmt.Errorf("peer %s not found: %w", args[0], err)
		}
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Peer removed: %s\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}
