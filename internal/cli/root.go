package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/wdlharness/internal/config"
	"github.com/me/wdlharness/internal/logging"
	"github.com/me/wdlharness/pkg/executor"
)

var (
	flagConfig        string
	flagDebug         bool
	flagLogLevel      string
	flagLogFormat     string
	flagWorkflowCache string

	logger *slog.Logger
	cfg    *config.UserConfig

	// newRegistry builds the executor registry; tests substitute fakes.
	newRegistry = executor.DefaultRegistry
)

// defaultLogLevel returns $LOGLEVEL, or "warn".
func defaultLogLevel() string {
	if s := os.Getenv(logging.EnvLogLevel); s != "" {
		return s
	}
	return "warn"
}

// NewRootCmd creates the root cobra command for the wdltest CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wdltest",
		Short: "wdltest runs WDL workflow test suites",
		Long: `wdltest runs WDL workflows against one or more execution engines
(miniwdl, Cromwell, a Cromwell server or AWS HealthOmics), localizes their
test fixtures and compares the outputs with the expected values.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			var err error
			cfg, err = config.Load(flagConfig)
			return err
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "User config file (or "+config.EnvConfigFile+" env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", defaultLogLevel(), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagWorkflowCache, "workflow-cache", "", "SQLite workflow cache (default from config, else ~/.wdlharness/workflow_cache.db)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newFetchCmd(),
		newCacheCmd(),
	)

	return root
}

// Cleanup removes the temporary cache dir of the last command, if any. It
// runs after Execute whether or not the command failed.
func Cleanup() {
	if cfg == nil {
		return
	}
	if err := cfg.Cleanup(); err != nil && logger != nil {
		logger.Warn("cache dir cleanup failed", "dir", cfg.CacheDir, "error", err)
	}
	cfg = nil
}

// workflowCachePath returns the workflow cache from the flag, the config or
// the default location.
func workflowCachePath() string {
	switch {
	case flagWorkflowCache != "":
		return flagWorkflowCache
	case cfg != nil && cfg.WorkflowCache != "":
		return cfg.WorkflowCache
	default:
		return config.DefaultWorkflowCache()
	}
}
