package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/menuadmin/imageupload/internal/config"
	"github.com/menuadmin/imageupload/pkg/backend"
	"github.com/menuadmin/imageupload/pkg/db"
	"github.com/menuadmin/imageupload/pkg/errors"
	appfsm "github.com/menuadmin/imageupload/pkg/fsm"
	"github.com/menuadmin/imageupload/pkg/metrics"
	"github.com/menuadmin/imageupload/pkg/preview"
	"github.com/menuadmin/imageupload/pkg/security"
	"github.com/menuadmin/imageupload/pkg/storage"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/menuadmin/imageupload/pkg/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(journalPath, fsmDBPath string) error {
	// Create journal directory
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}

	// Create FSM database directory (only needed for the fsm runner)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// session wires one owner's pipeline from configuration.
type session struct {
	cfg      *config.Config
	store    *store.Store
	orch     *upload.Orchestrator
	resolver *preview.Resolver
	closers  []func()
}

func openSession(ctx context.Context, ownerID string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	fsmDir := ""
	if cfg.Runner == config.RunnerFSM {
		fsmDir = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.JournalPath, fsmDir); err != nil {
		return nil, err
	}

	s := &session{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	repo, err := db.NewRepository(cfg.JournalPath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	s.closers = append(s.closers, func() { repo.Close() })

	api := backend.NewHTTPClient(cfg.APIBaseURL, cfg.RequestTimeout, backend.WithToken(cfg.APIToken))

	s.store = store.New(cfg.MaxImages)
	unsubscribe := s.store.Subscribe(repo.Record(ownerID))
	s.closers = append(s.closers, unsubscribe)

	var observer upload.Observer
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		obs, err := metrics.NewPrometheusObserver(metrics.DefaultNamespace, reg)
		if err != nil {
			return nil, errors.Wrap(err, "metrics init failed")
		}
		observer = obs
		s.closers = append(s.closers, serveMetrics(cfg.MetricsAddr, reg))
	}

	s.orch, err = upload.New(upload.Config{
		OwnerID:       ownerID,
		Store:         s.store,
		Validator:     security.NewValidator(cfg.MaxFileSize, cfg.AllowedTypes),
		Backend:       api,
		Transfer:      storage.NewClient(cfg.TransferTimeout),
		Observer:      observer,
		KeepCancelled: cfg.KeepCancelled,
	})
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator init failed")
	}

	if cfg.Runner == config.RunnerFSM {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return nil, errors.Wrap(err, "FSM manager failed")
		}
		s.closers = append(s.closers, func() { manager.Shutdown(10 * time.Second) })

		machine := appfsm.NewMachine(s.orch)
		if err := machine.Register(ctx, manager); err != nil {
			return nil, errors.Wrap(err, "FSM register failed")
		}
		s.orch.UseRunner(machine)
	}
	// Pipelines finish before the FSM manager shuts down.
	s.closers = append(s.closers, s.orch.Close)

	s.resolver, err = preview.New(api, cfg.SignedURLCacheSize, cfg.PlaceholderURL)
	if err != nil {
		return nil, errors.Wrap(err, "preview init failed")
	}

	if err := s.orch.Load(ctx); err != nil {
		return nil, err
	}

	slog.Info("session_ready", "owner_id", ownerID, "runner", cfg.Runner, "images", s.store.Len())
	ok = true
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics_server_started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readFile loads a local image. Content type comes from the extension,
// falling back to sniffing the first bytes.
func readFile(path string) (upload.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return upload.File{}, errors.Wrap(err, "failed to read file")
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}

	return upload.File{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

func printEntries(w io.Writer, entries []store.Entry, urls map[string]string) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No images found")
		return
	}

	fmt.Fprintf(w, "%-38s %-15s %-8s %-4s %-24s %s\n", "ID", "STATE", "PRIMARY", "POS", "FILE", "URL / ERROR")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, e := range entries {
		name := e.FileName
		if name == "" {
			name = "-"
		}
		primary := "-"
		if e.IsPrimary {
			primary = "yes"
		}
		detail := urls[e.ID]
		if e.State == store.StateError {
			detail = e.ErrorMessage
		}
		if detail == "" {
			detail = "-"
		}

		fmt.Fprintf(w, "%-38s %-15s %-8s %-4d %-24s %s\n", e.ID, e.State, primary, e.Position, name, detail)
	}
}
