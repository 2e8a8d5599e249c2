package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "kokoron",
	Short: "Daily emotion check-ins with voice notes",
	Long: `kokoron stores one emotion record per child per day, with an optional
voice note kept in blob storage and transcribed on demand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			noColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kokoron version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kokoron version %s\n", version)
	},
}

var flagNoColor bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable coloured output")
	rootCmd.AddCommand(
		versionCmd,
		serveCmd,
		stopCmd,
		statusCmd,
		uploadURLCmd,
		recordCmd,
		transcribeCmd,
		todayCmd,
		historyCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
