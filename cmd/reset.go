package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/muzzle/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetOutputs bool
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Drop the render history (and optionally the rendered files)",
	Long:        "Drops all history tables. With --outputs, the output files recorded in the history are deleted first.",
	Annotations: map[string]string{"db": dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool { return resetYes || confirm(reader, os.Stdout, prompt) }

		if resetOutputs {
			renders, err := DB.ListRenders(cmd.Context(), 0)
			if err != nil {
				utils.ShowError("Failed to read render history", err, nil)
				return err
			}
			if len(renders) > 0 && ask(fmt.Sprintf("⚠️  Delete %d rendered output files?", len(renders))) {
				fmt.Println("🗑️  Removing Output Files...")
				for _, r := range renders {
					removeFile(r.OutputPath)
				}
			}
		}

		if ask("⚠️  Are you sure you want to DROP all history tables?") {
			fmt.Println("🗑️  Clearing Database...")
			if err := DB.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetOutputs, "outputs", false, "Also delete output files listed in the history")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not prompt for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
