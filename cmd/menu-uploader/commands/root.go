package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "menu-uploader",
	Short: "Menu image uploader - upload, replace and delete menu item images",
	Long:  `Uploads menu item images through pre-signed object storage URLs and links them to menu items on the admin API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("api-base-url", "http://localhost:3000", "Menu admin API base URL")
	rootCmd.PersistentFlags().String("api-token", "", "Bearer token for the admin API")
	rootCmd.PersistentFlags().Duration("request-timeout", 0, "Timeout for one API request")
	rootCmd.PersistentFlags().Duration("transfer-timeout", 0, "Timeout for one object transfer")
	rootCmd.PersistentFlags().Int("max-images", 5, "Max images per menu item")
	rootCmd.PersistentFlags().Int64("max-file-size", 5*1024*1024, "Max file size in bytes")
	rootCmd.PersistentFlags().String("journal-path", ".artifacts/uploads.db", "SQLite upload journal path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	rootCmd.PersistentFlags().String("runner", "inline", "Pipeline runner: inline or fsm")
	rootCmd.PersistentFlags().Bool("keep-cancelled", false, "Keep cancelled uploads for retry instead of removing them")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	for _, name := range []string{
		"api-base-url", "api-token", "request-timeout", "transfer-timeout", "max-images",
		"max-file-size", "journal-path", "fsm-db-path", "runner", "keep-cancelled", "metrics-addr",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
