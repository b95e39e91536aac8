package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localmodels/modeldl/internal/coordinator"
	"github.com/localmodels/modeldl/internal/events"
	"github.com/localmodels/modeldl/internal/manager"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/notify"
	"github.com/localmodels/modeldl/internal/progress"
	"github.com/localmodels/modeldl/internal/state"
	"github.com/localmodels/modeldl/internal/transfer"
)

const statusPollInterval = 250 * time.Millisecond

func newDownloadCmd() *cobra.Command {
	var (
		backendName string
		background  bool
		cellular    bool
		priority    string
		memoryGB    float64
	)

	cmd := &cobra.Command{
		Use:   "download <namespace/name>",
		Short: "Download a model repository",
		Long: `Download a model repository from the hub into the local models layout.

The foreground mode (default) shows per-file progress bars and finishes
when the model is finalized. --background hands the transfer to the
restart-surviving background manager instead; an interrupted download
resumes where it left off on the next invocation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoId := models.RepositoryId(args[0])
			backend := models.Backend(backendName)
			if !backend.Valid() {
				return fmt.Errorf("unknown backend %q (expected mlx, gguf, coreml, or remote)", backendName)
			}

			opts := models.DefaultDownloadOptions()
			opts.EnableCellular = cellular
			opts.Priority = models.Priority(priority)

			if background {
				return runBackgroundDownload(cmd.Context(), repoId, backend, opts, memoryGB)
			}
			return runForegroundDownload(cmd.Context(), repoId, backend, opts, memoryGB)
		},
	}

	cmd.Flags().StringVarP(&backendName, "backend", "b", string(models.BackendMLX), "Target backend: mlx, gguf, coreml, remote")
	cmd.Flags().BoolVar(&background, "background", false, "Use the restart-surviving background manager")
	cmd.Flags().BoolVar(&cellular, "cellular", false, "Permit transfers over metered connections")
	cmd.Flags().StringVar(&priority, "priority", string(models.PriorityNormal), "Transfer priority: low, normal, high")
	cmd.Flags().Float64Var(&memoryGB, "memory-gb", 0, "Memory budget for GGUF quantization selection (0 = largest)")

	return cmd
}

// runForegroundDownload drives the Foreground Coordinator, rendering
// per-file mpb bars from the queue's event stream.
func runForegroundDownload(ctx context.Context, repoId models.RepositoryId, backend models.Backend, opts models.DownloadOptions, memoryGB float64) error {
	bus := events.NewEventBus(256)
	defer bus.Close()

	queue := transfer.NewQueue(bus)
	coord := coordinator.New(newResolver(backend, memoryGB), newLayout(), queue, logger)

	uiDone := make(chan struct{})
	go renderDownloadEvents(bus, string(repoId), uiDone)

	if err := coord.Start(ctx, repoId, backend, opts); err != nil {
		close(uiDone)
		return err
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = coord.Cancel(repoId)
			close(uiDone)
			return fmt.Errorf("download cancelled")
		case <-ticker.C:
		}

		status := coord.Status(repoId)
		if !status.IsTerminal() {
			continue
		}
		close(uiDone)

		switch status.Kind {
		case models.StatusCompleted:
			fmt.Printf("Downloaded %s to %s\n", repoId, newLayout().GetModelLocation(repoId))
			return nil
		case models.StatusCancelled:
			return fmt.Errorf("download cancelled")
		default:
			return fmt.Errorf("download failed: %s", status.ErrorText)
		}
	}
}

// renderDownloadEvents consumes the queue's event stream and keeps one
// progress bar per file until done closes.
func renderDownloadEvents(bus *events.EventBus, repoKey string, done <-chan struct{}) {
	ch := bus.SubscribeAll()
	defer bus.UnsubscribeAll(ch)

	var ui *progress.DownloadUI
	bars := make(map[string]*progress.DownloadFileBar)
	nextIndex := 1

	for {
		select {
		case <-done:
			if ui != nil {
				ui.Wait()
			}
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			de, isDownload := ev.(*events.DownloadEvent)
			if !isDownload || de.DownloadID != repoKey {
				continue
			}

			switch de.EventType {
			case events.EventDownloadQueued:
				if ui == nil {
					ui = progress.NewDownloadUI(0)
				}
				if _, exists := bars[de.CurrentFileName]; !exists {
					bars[de.CurrentFileName] = ui.AddFileBar(nextIndex, de.CurrentFileName, "", de.CurrentFileName, de.BytesTotal)
					nextIndex++
				}
			case events.EventDownloadProgress:
				if bar := bars[de.CurrentFileName]; bar != nil {
					bar.UpdateProgress(de.Progress)
				}
			case events.EventDownloadCompleted:
				if bar := bars[de.CurrentFileName]; bar != nil {
					bar.Complete(nil)
				}
			case events.EventDownloadFailed:
				if bar := bars[de.CurrentFileName]; bar != nil {
					bar.Complete(fmt.Errorf("%s", de.ErrorText))
				}
			}
		}
	}
}

// newManager wires up a Background Download Manager over the process-wide
// state store and session driver.
func newManager() (*manager.Manager, *state.Store) {
	stateDir := stateDirectory()
	store := state.New(stateDir)

	var sink notify.Sink
	if !noNotify {
		sink = notify.NewNotifier(notify.DefaultConfig(), logger)
	}

	m := manager.New(newLayout(), store, stateDir, "modeldl.background", sink, logger, nil)
	return m, store
}

// runBackgroundDownload submits to the background manager and blocks
// until the download reaches a terminal state, printing coarse progress.
func runBackgroundDownload(ctx context.Context, repoId models.RepositoryId, backend models.Backend, opts models.DownloadOptions, memoryGB float64) error {
	files, err := newResolver(backend, memoryGB).Resolve(ctx, repoId, backend)
	if err != nil {
		return err
	}

	m, _ := newManager()
	if err := m.Restore(ctx); err != nil {
		return fmt.Errorf("restore background state: %w", err)
	}
	m.WatchStaging(ctx)

	handle, err := m.Download(ctx, repoId, backend, files, opts, func(p models.DownloadProgress) {
		fmt.Printf("\r%6.2f%%  %d/%d files  %s", p.Percentage(), p.FilesCompleted, p.TotalFiles, p.CurrentFileName)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Submitted background download %s\n", handle.ID)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDetaching; the download continues and resumes on the next invocation.")
			return nil
		case <-ticker.C:
		}

		statuses, err := m.Status()
		if err != nil {
			return err
		}
		found := false
		for _, s := range statuses {
			if s.Handle.ID != handle.ID {
				continue
			}
			found = true
			if s.State == models.DownloadFailed {
				return fmt.Errorf("download failed")
			}
		}
		// Completed records are removed from the store after finalization.
		if !found {
			fmt.Printf("\nDownloaded %s to %s\n", repoId, newLayout().GetModelLocation(repoId))
			return nil
		}
	}
}
