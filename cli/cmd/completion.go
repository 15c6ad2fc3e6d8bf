package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(tryst completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  tryst completion bash > /etc/bash_completion.d/tryst
  # macOS:
  $ tryst completion bash >  $ (brew --prefix)/etc/bash_completion.d/tryst

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ tryst completion zsh > "${fpath[1]}/_tryst"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  tryst completion fish | source

  # To load completions for each session, execute once:
   $  tryst completion fish > ~/.config/fish/completions/tryst.fish

PowerShell:
  PS> tryst completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> tryst completion powershell > tryst.ps1
  PS> . tryst.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		return cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		return cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
	return nil
}
