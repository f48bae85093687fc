package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mixbit/palettize/envconfig"
	"github.com/mixbit/palettize/logutil"
	"github.com/mixbit/palettize/version"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "palettize",
		Short:   "Mixed precision weight palettizer",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	applyCmd := NewApplyCmd()
	recipesCmd := NewRecipesCmd()
	showCmd := NewShowCmd()
	verifyCmd := NewVerifyCmd()

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["PALETTIZE_DEBUG"]}

	for _, cmd := range []*cobra.Command{applyCmd, recipesCmd, showCmd, verifyCmd} {
		switch cmd {
		case applyCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["PALETTIZE_DEBUG"], envVars["PALETTIZE_CHECKPOINTS"], envVars["PALETTIZE_WORKERS"]})
		case verifyCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["PALETTIZE_DEBUG"], envVars["PALETTIZE_CHECKPOINTS"]})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		applyCmd,
		recipesCmd,
		showCmd,
		verifyCmd,
	)

	return rootCmd
}
