// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/slimml/slimml/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "slimml",
		Short:         "Post-training neural network compression",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	quantizeCmd := newQuantizeCmd()
	compressCmd := newCompressCmd()
	showCmd := newShowCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{quantizeCmd, compressCmd} {
		appendEnvDocs(cmd, []envconfig.EnvVar{
			envVars["SLIMML_DEBUG"],
			envVars["SLIMML_DEVICE"],
			envVars["SLIMML_SUBSET_SIZE"],
			envVars["SLIMML_PRESET"],
			envVars["SLIMML_OVERFLOW_POLICY"],
			envVars["SLIMML_FAST_BIAS_CORRECTION"],
		})
	}

	rootCmd.AddCommand(
		quantizeCmd,
		compressCmd,
		showCmd,
	)

	return rootCmd
}
