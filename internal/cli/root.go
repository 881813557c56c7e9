package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntor/taskmesh/pkg/config"
	"github.com/syntor/taskmesh/pkg/logging"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile    string
	verbose    bool
	jsonOutput bool

	// Loaded by the root command before any subcommand runs
	meshConfig *config.Config
	logger     logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "taskmesh - multi-agent coordination runtime",
	Long: `taskmesh runs a goal through a team of agents using one of three
coordination modes: hierarchical, peer or blackboard.

Run a goal:
  taskmesh run "search the archive then write a summary"
  taskmesh run --mode peer "pick a database"
  taskmesh run --mode blackboard --timeout 2.5 "draft a release plan"

Inspect configuration:
  taskmesh config show
  taskmesh config watch`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		meshConfig = cfg

		lc := cfg.LoggerConfig()
		if verbose {
			lc.Level = logging.DebugLevel
		}
		lc.Output = cmd.ErrOrStderr()
		logger = logging.NewZapLogger(lc)
		logging.SetGlobalLogger(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.taskmesh/config.yaml layered under .taskmesh/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "taskmesh %s\n", Version)
		fmt.Fprintf(out, "Build: %s\n", BuildTime)
		fmt.Fprintf(out, "Commit: %s\n", GitCommit)
	},
}

// loadConfig reads --config when given, otherwise the layered files.
// Environment overrides apply in both cases.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.LoadLayered()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
