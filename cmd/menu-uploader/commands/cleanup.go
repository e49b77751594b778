package commands

import (
	"fmt"

	"github.com/menuadmin/imageupload/pkg/db"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/spf13/cobra"
)

var (
	cleanupOwner  string
	cleanupFailed bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune settled rows from the upload journal",
	Long: `Deletes journal rows of entries that left the store.
  --owner <id>   Only prune rows of one menu item
  --failed       Also prune rows that ended in error or cancelled`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupOwner, "owner", "", "Prune rows of a specific menu item")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Also prune error and cancelled rows")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.JournalPath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	states := []string{db.StateRemoved}
	if cleanupFailed {
		states = append(states, string(store.StateError), string(store.StateCancelled))
	}

	n, err := repo.Prune(cleanupOwner, states...)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d journal rows\n", n)
	return nil
}
