package commands

import (
	"context"
	"fmt"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/spf13/cobra"
)

var replaceCmd = &cobra.Command{
	Use:   "replace <owner-id> <image-id> <file>",
	Short: "Replace an attached image with a new file",
	Long: `Deletes the attached image on the backend, then uploads the new file in its
place. If the delete fails the attached image is kept.`,
	Args: cobra.ExactArgs(3),
	RunE: runReplace,
}

func init() {
	rootCmd.AddCommand(replaceCmd)
}

func runReplace(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ownerID, imageID := args[0], args[1]

	f, err := readFile(args[2])
	if err != nil {
		return err
	}

	s, err := openSession(ctx, ownerID)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Replace(ctx, imageID, f); err != nil {
		return err
	}
	if err := waitOrCancel(ctx, s.orch); err != nil {
		return err
	}

	e, ok := s.store.Get(imageID)
	if !ok {
		return errors.Wrap(errors.ErrNotFound, imageID)
	}
	printEntries(cmd.OutOrStdout(), []store.Entry{e}, s.resolver.ResolveAll(ctx, []store.Entry{e}))

	if e.State != store.StateCompleted {
		return fmt.Errorf("replacement upload ended in %s", e.State)
	}
	return nil
}
