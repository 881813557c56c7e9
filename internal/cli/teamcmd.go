package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/manifest"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Inspect team manifests",
	Long: `Inspect team manifests.

Commands:
  show      - Print a manifest, or the built-in team
  validate  - Check a manifest and build its agents`,
}

var teamShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print a team manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		m, err := loadTeam(path)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(m)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var teamValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a team manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		team, err := BuildTeam(meshConfig, m, logging.NewNopLogger(), nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d agents, worker roles %v\n", m.Metadata.Name, team.Registry.Len(), team.Registry.Roles())
		return nil
	},
}

func init() {
	teamCmd.AddCommand(teamShowCmd)
	teamCmd.AddCommand(teamValidateCmd)
	rootCmd.AddCommand(teamCmd)
}

// loadTeam reads the manifest at path, or returns the built-in team
func loadTeam(path string) (*manifest.TeamManifest, error) {
	if path == "" {
		return DefaultTeam(), nil
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load team: %w", err)
	}
	return m, nil
}
