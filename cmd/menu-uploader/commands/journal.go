package commands

import (
	"fmt"

	"github.com/menuadmin/imageupload/pkg/db"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal [owner-id]",
	Short: "Show the local upload journal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure journal directory exists
	if err := ensureDirectories(cfg.JournalPath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ownerID := ""
	if len(args) == 1 {
		ownerID = args[0]
	}

	uploads, err := repo.List(ownerID)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	w := cmd.OutOrStdout()
	if len(uploads) == 0 {
		fmt.Fprintln(w, "No uploads recorded")
		return nil
	}

	fmt.Fprintf(w, "%-38s %-24s %-15s %-24s %-20s %s\n", "ID", "OWNER", "STATE", "FILE", "UPDATED", "ERROR")
	fmt.Fprintln(w, "------------------------------------------------------------------------------------------------------------------------")

	for _, u := range uploads {
		fmt.Fprintf(w, "%-38s %-24s %-15s %-24s %-20s %s\n",
			u.ID, u.OwnerID, u.State, dash(u.FileName), u.UpdatedAt, dash(u.ErrorMessage))
	}

	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
