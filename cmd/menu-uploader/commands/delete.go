package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <owner-id> <image-id>",
	Short: "Delete an image from a menu item",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ownerID, imageID := args[0], args[1]

	s, err := openSession(ctx, ownerID)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.orch.Delete(ctx, imageID); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted image %s from %s\n", imageID, ownerID)
	return nil
}
