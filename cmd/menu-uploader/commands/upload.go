package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/menuadmin/imageupload/pkg/upload"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <owner-id> <file>...",
	Short: "Upload images and attach them to a menu item",
	Long: `Validates each file, negotiates a pre-signed upload URL, transfers the bytes
and attaches the result to the menu item. Files upload concurrently.
Interrupting (Ctrl-C) cancels the transfers still in flight.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ownerID := args[0]

	files := make([]upload.File, 0, len(args)-1)
	for _, path := range args[1:] {
		f, err := readFile(path)
		if err != nil {
			return errors.Wrap(err, path)
		}
		files = append(files, f)
	}

	s, err := openSession(ctx, ownerID)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.orch.AddFiles(files)
	if err != nil {
		return errors.Wrap(err, "upload rejected")
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", r.Name, r.Err)
	}

	if err := waitOrCancel(ctx, s.orch); err != nil {
		return err
	}

	added := make(map[string]bool, len(res.Added))
	for _, id := range res.Added {
		added[id] = true
	}

	var entries []store.Entry
	failed := 0
	for _, e := range s.orch.Entries() {
		if !added[e.ID] {
			continue
		}
		entries = append(entries, e)
		if e.State != store.StateCompleted {
			failed++
		}
	}
	printEntries(cmd.OutOrStdout(), entries, s.resolver.ResolveAll(ctx, entries))

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads did not complete", failed, len(res.Added))
	}
	return nil
}

// waitOrCancel waits for all pipelines. On SIGINT or SIGTERM it cancels every
// upload that is transferring and keeps waiting for the rest to settle.
func waitOrCancel(ctx context.Context, orch *upload.Orchestrator) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- orch.Wait(ctx) }()

	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigCh:
			slog.Warn("interrupt_received", "signal", sig.String())
			for _, e := range orch.Entries() {
				if e.State != store.StateUploading {
					continue
				}
				if err := orch.CancelUpload(e.ID); err != nil {
					slog.Warn("cancel_failed", "entry_id", e.ID, "error", err)
				}
			}
		}
	}
}
