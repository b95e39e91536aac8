// Package cli provides the command-line interface for modeldl.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/localmodels/modeldl/internal/catalog"
	"github.com/localmodels/modeldl/internal/config"
	"github.com/localmodels/modeldl/internal/layout"
	"github.com/localmodels/modeldl/internal/logging"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/resolver"
)

var (
	// Global flags
	modelsDir string
	tempDir   string
	hubURL    string
	hfToken   string
	tokenFile string // path to a file containing the hub token
	verbose   bool
	noNotify  bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version information, reported by --version and the root command's help
var (
	Version   = "v1.0.0-dev"
	BuildTime = "2026-08-02"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modeldl",
		Short: "Download and manage local machine-learning model repositories",
		Long: `modeldl ` + Version + ` - Built: ` + BuildTime + `
Fetches model repositories from a remote hub into a canonical local
layout, with pausable, resumable, restart-surviving downloads.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLogger()
			if verbose {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", "", "Models directory (default: platform cache dir)")
	rootCmd.PersistentFlags().StringVar(&tempDir, "temp-dir", "", "Staging directory for in-progress downloads")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub-url", "", "Model hub base URL (default: "+catalog.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&hfToken, "token", "", "Hub access token for gated repositories")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "Path to a file containing the hub access token")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&noNotify, "no-notify", false, "Disable desktop notifications")

	rootCmd.Version = Version + " (" + BuildTime + ")"

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCancelCmd())

	return rootCmd
}

// Execute runs the root command with signal-aware cancellation.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancelFunc()
	}()

	return NewRootCmd().ExecuteContext(rootContext)
}

func resolvedModelsRoot() string {
	if modelsDir != "" {
		return modelsDir
	}
	return config.ModelsRoot()
}

func resolvedTempRoot() string {
	if tempDir != "" {
		return tempDir
	}
	return config.TempRoot()
}

func resolvedToken() string {
	if hfToken != "" {
		return hfToken
	}
	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			logger.Warnf("cli: read token file: %v", err)
			return ""
		}
		return string(trimmed(data))
	}
	return os.Getenv("HF_TOKEN")
}

func trimmed(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

func stateDirectory() string {
	return config.StateDirectory()
}

func newLayout() *layout.Layout {
	return layout.New(resolvedModelsRoot(), resolvedTempRoot())
}

func newCatalog() *catalog.Client {
	return catalog.New(hubURL, resolvedToken())
}

// newResolver picks the file-list resolver for a backend: GGUF repos get
// the quantization heuristic bounded by memoryGB, everything else the
// full catalog listing.
func newResolver(backend models.Backend, memoryGB float64) resolver.Resolver {
	cat := newCatalog()
	if backend == models.BackendGGUF && memoryGB > 0 {
		return resolver.NewGGUFHeuristicResolver(cat, resolver.MemoryHint{AvailableBytes: int64(memoryGB * 1024 * 1024 * 1024)})
	}
	return resolver.NewStaticResolver(cat)
}
