package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/config"
	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/platform"
	"github.com/kefu-chat/chatsync/internal/session"
	"github.com/kefu-chat/chatsync/internal/statedb"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// app is what every backend-facing command shares: configuration, logging,
// the local cache and the backend client.
type app struct {
	cfg     *config.Config
	dataDir string
	state   *statedb.StateDB
	client  *backend.Client

	restoreStdLog func()
}

// loadConfig reads the file at path, or the default location when empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openApp loads configuration and opens everything a session needs. The
// caller must close the returned app.
func openApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}

	dataDir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, dataDir: dataDir}
	a.initLogging()

	if path := cfg.CachePath(); path != "" {
		db, err := statedb.OpenAndMigrate(path)
		if err != nil {
			// The cache is optional; a broken file must not block chatting.
			cliLog.Warn("cache_unavailable", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			a.state = db
			a.pruneHeartbeats()
		}
	}

	opts := []backend.Option{
		backend.WithUserAgent(platform.UserAgent(Version)),
		backend.WithMaxResponseBytes(cfg.Backend.MaxResponseBytes()),
	}
	if d := cfg.RequestTimeout(); d > 0 {
		opts = append(opts, backend.WithTimeout(d))
	}
	a.client = backend.New(cfg.Backend.BaseURL, opts...)
	return a, nil
}

// pruneHeartbeats trims the heartbeat ledger to the configured retention.
func (a *app) pruneHeartbeats() {
	keep := a.cfg.Cache.HeartbeatRetention()
	n, err := a.state.PruneHeartbeats(keep)
	if err != nil {
		cliLog.Warn("heartbeat_prune_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		cliLog.Info("heartbeats_pruned", slog.Int64("rows", n), slog.Duration("retention", keep))
	}
}

// initLogging writes to <data dir>/chatsync.log when debug is on, and
// discards otherwise so the terminal UI stays clean.
func (a *app) initLogging() {
	ls := a.cfg.Logs
	logDir := ""
	if ls.Debug {
		logDir = a.dataDir
	}
	logging.Init(logging.Config{
		Debug:      ls.Debug,
		LogDir:     logDir,
		Level:      ls.Level,
		Format:     ls.Format,
		MaxSizeMB:  ls.MaxSizeMB,
		MaxBackups: ls.MaxBackups,
		MaxAgeDays: ls.MaxAgeDays,
		Compress:   ls.Compress,
		PprofAddr:  ls.PprofAddr,
	})
	a.restoreStdLog = logging.RedirectStdLog(logging.CompCLI)
	cliLog.Info("started",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("platform", platform.Detect().String()))
}

func (a *app) Close() {
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			cliLog.Warn("cache_close_failed", slog.String("error", err.Error()))
		}
	}
	if a.restoreStdLog != nil {
		a.restoreStdLog()
	}
	logging.Shutdown()
}

// cache returns the session cache, nil when caching is off.
func (a *app) cache() *session.Cache {
	if a.state == nil {
		return nil
	}
	return session.NewCache(a.state)
}

// filePicker builds the album/camera picker from config.
func (a *app) filePicker() *platform.FilePicker {
	p := a.cfg.Picker
	return platform.NewFilePicker(platform.PickerConfig{
		AlbumDir:     p.AlbumDir,
		CameraDir:    p.CameraDir,
		CameraWait:   time.Duration(p.CameraWaitSeconds) * time.Second,
		Original:     p.Original,
		MaxDimension: p.MaxDimension,
		JPEGQuality:  p.JPEGQuality,
	})
}

// newEngine wires a session engine to the given platform ports.
func (a *app) newEngine(consent session.ConsentDialog, picker session.ImagePicker, notifier session.Notifier) (*session.Engine, error) {
	opts := session.Options{
		AppID:                   a.cfg.Backend.AppID,
		Backend:                 a.client,
		Credentials:             platform.NewCodeIssuer(a.cfg.Backend.LoginCode, a.dataDir),
		Consent:                 consent,
		Picker:                  picker,
		Notifier:                notifier,
		HistoryInterval:         a.cfg.Sync.HistoryInterval(),
		HeartbeatInterval:       a.cfg.Sync.HeartbeatInterval(),
		SkipConsentIfSubscribed: a.cfg.Consent.SkipIfSubscribed,
	}
	if c := a.cache(); c != nil {
		opts.Cache = c
	}
	return session.New(opts)
}

// scriptedConsent returns the fixed-answer dialog for every mode but
// prompt, and nil for prompt.
func scriptedConsent(mode string) (session.ConsentDialog, error) {
	if mode == config.ConsentPrompt {
		return nil, nil
	}
	return platform.NewScriptedConsent(mode)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// watchCrashDumps writes the log ring buffer to the data dir on SIGUSR1.
func (a *app) watchCrashDumps(ctx context.Context) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				path := filepath.Join(a.dataDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
				if err := logging.DumpRingBuffer(path); err != nil {
					cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
				} else {
					cliLog.Info("crash_dump_written", slog.String("path", path))
				}
			}
		}
	}()
}

// stopEngine closes e and waits for its background work.
func stopEngine(e *session.Engine) {
	if err := e.Close(); err != nil && !errors.Is(err, context.Canceled) {
		cliLog.Warn("engine_close", slog.String("error", err.Error()))
	}
	e.Drain()
}
