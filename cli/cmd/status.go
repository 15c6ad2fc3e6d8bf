package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity status",
	Long:  "Display information about the identity including rotation schedule, replay ledger and memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Tryst Status")
	fmt.Println("============")

	fmt.Printf("Memory Protection: %s\n", core.MemoryProtection())
	fmt.Printf("Store: %s\n", getStoreConfigSummary(viper.GetString("tryst.store_type")))

	exists, err := core.Identity().Exists()
	switch {
	case err != nil:
		fmt.Printf("Identity: ERROR - %v\n", err)
	case !exists:
		fmt.Println("Identity: none (run \"tryst identity create\")")
	default:
		info, err := loadIdentityInfo()
		if err != nil {
			fmt.Printf("Identity: ERROR - %v\n", err)
			break
		}
		fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
		fmt.Printf("Rotation Version: %d\n", info.RotationVersion)
		if info.NextRotation != nil {
			due := ""
			if !time.Now().Before(*info.NextRotation) {
				due = " (due)"
			}
			fmt.Printf("Next Rotation: %s%s\n", info.NextRotation.Format(time.RFC3339), due)
		}

		protected, err := core.Identity().HasPassphraseProtection()
		if err != nil {
			fmt.Printf("Passphrase Protection: ERROR - %v\n", err)
		} else {
			fmt.Printf("Passphrase Protection: %v\n", protected)
		}

		history, err := core.Identity().History()
		if err == nil {
			valid := core.Identity().Rotation().ValidPrevious(history)
			fmt.Printf("Retired Keys: %d (%d in transition)\n", len(history.PreviousKeys), len(valid))
		}
	}

	fingerprints, err := peers.List()
	if err != nil {
		fmt.Printf("Peers: ERROR - %v\n", err)
	} else {
		fmt.Printf("Peers: %d\n", len(fingerprints))
	}

	if size, err := core.Replay().Size(); err != nil {
		fmt.Printf("Replay Ledger: ERROR - %v\n", err)
	} else {
		fmt.Printf("Replay Ledger: %d entries\n", size)
	}

	fmt.Printf("Signature Policy: %s\n", core.Options().SignaturePolicy)
	fmt.Printf("Storage Path: %s\n", storePath)
	return nil
}
