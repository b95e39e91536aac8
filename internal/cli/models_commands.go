package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/state"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List downloaded models",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := newLayout().ListDownloadedModels()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No models downloaded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBACKEND\tSIZE\tDOWNLOADED\tLOCATION")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.Name, info.Backend, formatBytes(info.TotalSize),
					info.DownloadDate.Format("2006-01-02 15:04"), info.Location)
			}
			return w.Flush()
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace/name>",
		Short: "Delete a downloaded model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoId := models.RepositoryId(args[0])
			if err := newLayout().DeleteModel(repoId); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", repoId)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var backendName string

	cmd := &cobra.Command{
		Use:   "validate <namespace/name>",
		Short: "Validate a repository identifier and any downloaded copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoId := models.RepositoryId(args[0])
			result, err := newLayout().ValidateModel(repoId, models.Backend(backendName))
			if err != nil {
				return err
			}
			if len(result.Warnings) == 0 {
				fmt.Printf("%s: OK\n", repoId)
				return nil
			}
			for _, warning := range result.Warnings {
				fmt.Printf("warning: %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&backendName, "backend", "b", string(models.BackendMLX), "Target backend: mlx, gguf, coreml, remote")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale staging directories and old terminal download records",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := state.New(stateDirectory())
			records, err := store.GetAllPersistedDownloads()
			if err != nil {
				return err
			}
			active := make(map[string]bool)
			for _, r := range records {
				if r.State == models.DownloadDownloading || r.State == models.DownloadPaused || r.State == models.DownloadPending {
					active[r.RepositoryId.Sanitized()] = true
				}
			}

			if err := newLayout().CleanupIncompleteDownloads(func(repo string) bool { return active[repo] }); err != nil {
				return err
			}
			return store.CleanupStaleDownloads(olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age threshold for removing terminal download records")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
