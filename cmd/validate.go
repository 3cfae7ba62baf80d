package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/camsession/internal/config"
)

// CreateValidateConfigCmd creates the validate-config command.
func CreateValidateConfigCmd() *cobra.Command {
	var printNormalized bool
	var writeDefault string

	cmd := &cobra.Command{
		Use:   "validate-config [session-file]",
		Short: "Validate a session description file",
		Long: `Parses the session file and reports every problem that would stop a session from starting. ` +
			`With --write-default the built-in session is written to the given path instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			out := c.OutOrStdout()
			if writeDefault != "" {
				if err := config.DefaultSessionFile().Save(writeDefault); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote built-in session to %s\n", writeDefault)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("session file required")
			}

			f, err := config.LoadSessionFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: ok, %d pipelines\n", args[0], len(f.Pipelines))
			for i, p := range f.Pipelines {
				kind := "offline"
				if p.RealTime {
					kind = "real-time"
				}
				fmt.Fprintf(out, "  [%d] %-12s %-9s outputs=%v inputs=%v\n", i, p.Name, kind, p.OutputStreams, p.InputStreams)
			}
			t := f.SessionTunables()
			fmt.Fprintf(out, "  flush_wait=%s flush_fallback_wait=%s fence_wait_timeout=%s\n",
				t.FlushWait, t.FlushFallbackWait, t.FenceWaitTimeout)

			if printNormalized {
				data, err := f.Marshal()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s", data)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&printNormalized, "print", false, "Print the normalized file")
	cmd.Flags().StringVar(&writeDefault, "write-default", "", "Write the built-in session file to this path")
	return cmd
}
