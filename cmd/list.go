package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/muzzle/internal/store"
	"github.com/andresmejia3/muzzle/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List recent renders from the history database",
	Annotations: map[string]string{"db": dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of renders to show (0 = all)")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer) error {
	renders, err := DB.ListRenders(ctx, listLimit)
	if err != nil {
		utils.ShowError("Failed to list renders", err, nil)
		return err
	}
	printRenders(out, renders)
	return nil
}

func printRenders(out io.Writer, renders []store.Render) {
	if len(renders) == 0 {
		fmt.Fprintln(out, "No renders found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSOURCE\tOUTPUT\tMODE\tFRAMES\tFACES\tDROPPED\tTOOK\tCREATED")
	fmt.Fprintln(w, "-------\t------\t------\t----\t------\t-----\t-------\t----\t-------")

	for _, r := range renders {
		mode := r.Mode
		if r.Paused {
			mode += " (paused)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			shortID(r.SessionID), filepath.Base(r.SourcePath), r.OutputPath, mode,
			r.FramesRendered, r.FacesDrawn, r.FacesDropped+r.EncoderDropped,
			r.Elapsed.Round(time.Millisecond), r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
