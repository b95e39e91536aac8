package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active background downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _ := newManager()
			if err := m.Restore(cmd.Context()); err != nil {
				return err
			}

			statuses, err := m.Status()
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No active downloads.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPOSITORY\tBACKEND\tSTATE\tPROGRESS\tFILES")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%6.2f%%\t%d/%d\n",
					s.Handle.ID, s.Handle.RepositoryId, s.Handle.Backend, s.State,
					s.Progress.Percentage(), s.Progress.FilesCompleted, s.Progress.TotalFiles)
			}
			return w.Flush()
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <download-id>",
		Short: "Pause a background download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _ := newManager()
			if err := m.Restore(cmd.Context()); err != nil {
				return err
			}
			return m.Pause(args[0])
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <download-id>",
		Short: "Resume a paused background download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _ := newManager()
			if err := m.Restore(cmd.Context()); err != nil {
				return err
			}
			return m.Resume(args[0])
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <download-id>",
		Short: "Cancel a background download and discard its staging files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _ := newManager()
			if err := m.Restore(cmd.Context()); err != nil {
				return err
			}
			if err := m.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}
}
