package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntor/taskmesh/pkg/config"
)

var (
	initGlobal bool
	initForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage taskmesh configuration",
	Long: `View and manage taskmesh configuration.

Commands:
  show    - Display the effective configuration
  path    - Show configuration file paths
  init    - Write the default configuration to a file
  watch   - Print the configuration every time the file changes`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(meshConfig)
		}
		data, err := meshConfig.YAML()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Run: func(cmd *cobra.Command, args []string) {
		global, project := config.Paths()
		out := cmd.OutOrStdout()
		if cfgFile != "" {
			fmt.Fprintf(out, "Explicit: %s\n", cfgFile)
		}
		fmt.Fprintf(out, "Global:   %s%s\n", global, existsMark(global))
		fmt.Fprintf(out, "Project:  %s%s\n", project, existsMark(project))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long: `Write the default configuration to path, or to the project file
(.taskmesh/config.yaml) when no path is given. Use --global for
~/.taskmesh/config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		global, project := config.Paths()
		path := project
		switch {
		case len(args) == 1:
			path = args[0]
		case initGlobal:
			path = global
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		if err := config.Save(path, &cfg); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configWatchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a config file and print each valid reload",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			_, path = config.Paths()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		w, err := config.Watch(ctx, path, logger)
		if err != nil {
			return err
		}
		defer w.Close()

		out := cmd.OutOrStdout()
		show := func(cfg *config.Config) {
			data, err := cfg.YAML()
			if err != nil {
				return
			}
			fmt.Fprintf(out, "--- %s\n%s", path, data)
		}
		show(w.Current())
		w.OnChange(show)

		<-ctx.Done()
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&initGlobal, "global", false, "write the global config file")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configWatchCmd)
}

func existsMark(path string) string {
	if _, err := os.Stat(path); err == nil {
		return " (exists)"
	}
	return ""
}
