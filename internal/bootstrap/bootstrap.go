package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	keysinadapter "flowsync/internal/modules/keys/adapter/in"
	keysoutadapter "flowsync/internal/modules/keys/adapter/out"
	keysservice "flowsync/internal/modules/keys/service"
	keysusecase "flowsync/internal/modules/keys/usecase"
	syncinadapter "flowsync/internal/modules/sync/adapter/in"
	syncoutadapter "flowsync/internal/modules/sync/adapter/out"
	syncout "flowsync/internal/modules/sync/port/out"
	syncservice "flowsync/internal/modules/sync/service"
	syncusecase "flowsync/internal/modules/sync/usecase"
	"flowsync/internal/platform/clock"
	"flowsync/internal/platform/config"
	uiapp "flowsync/internal/ui/app"
)

const networkProbeInterval = 10 * time.Second

type App struct {
	UserID  string
	RoomCLI syncinadapter.CLIHandler
	KeysCLI keysinadapter.CLIHandler

	closers []func() error
}

// New wires one room engine and the key manager from cfg. Close releases
// everything it opened.
func New(cfg config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{UserID: strings.TrimSpace(cfg.UserID)}
	clk := clock.SystemClock{}

	keyStore, closeKeys, err := keysoutadapter.BuildKeyRecordStoreFromDSN(cfg.EffectiveKeysDSN())
	if err != nil {
		return nil, fmt.Errorf("new key store: %w", err)
	}
	app.closers = append(app.closers, closeKeys)
	keyManager := keysservice.NewKeyManager(keyStore, clk, logger.With().Str("component", "keys").Logger())
	app.closers = append(app.closers, func() error { keyManager.Clear(); return nil })
	if app.UserID != "" {
		if err := keyManager.Initialize(app.UserID); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("initialize key manager: %w", err)
		}
	}

	local, closeLocal, err := syncoutadapter.BuildLocalStoreFromDSN(cfg.LocalDSN, cfg.DataDir, logger)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("new local store: %w", err)
	}
	app.closers = append(app.closers, closeLocal)

	remote, closeRemote, err := syncoutadapter.BuildRemoteStoreFromDSN(cfg.RemoteDSN, logger)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("new remote store: %w", err)
	}
	app.closers = append(app.closers, closeRemote)

	var network syncout.Network
	if addr := probeAddress(cfg.RemoteDSN); addr != "" && app.UserID != "" {
		probe := syncoutadapter.NewProbeNetwork(addr, networkProbeInterval, logger)
		app.closers = append(app.closers, probe.Close)
		network = probe
	}

	opts := []syncservice.EngineOption{
		syncservice.WithClock(clk),
		syncservice.WithLogger(logger.With().Str("component", "sync").Logger()),
	}
	if cfg.Encrypt && app.UserID != "" {
		opts = append(opts, syncservice.WithCipher(keyManager.RoomCipher(cfg.Room)))
	}
	engine, err := syncservice.NewEngine(syncservice.EngineConfig{
		RoomID:            cfg.Room,
		UserID:            app.UserID,
		Debounce:          cfg.Debounce,
		MinInterval:       cfg.MinPushInterval,
		PushTimeout:       cfg.PushTimeout,
		RemoteLoadTimeout: cfg.RemoteLoadTimeout,
		BackupInterval:    cfg.BackupInterval,
		BackupRetention:   cfg.BackupRetention,
	}, syncservice.EngineDeps{Local: local, Remote: remote, Network: network}, opts...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("new sync engine: %w", err)
	}
	// the engine saves once more on destroy, so it must stop before the stores close
	app.closers = append(app.closers, func() error { engine.Destroy(); return nil })

	var rooms syncout.RoomLister
	if lister, ok := local.(syncout.RoomLister); ok {
		rooms = lister
	}
	var backups syncout.BackupStore
	if store, ok := local.(syncout.BackupStore); ok {
		backups = store
	}
	app.RoomCLI = syncinadapter.NewCLIHandler(syncusecase.NewRoomInteractor(engine, rooms, backups))
	app.KeysCLI = keysinadapter.NewCLIHandler(keysusecase.NewInteractor(keyManager))
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func RunTUI(ctx context.Context, app *App) error {
	model := uiapp.NewModel(ctx, app.UserID, app.RoomCLI)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeRelay exposes the configured remote store to websocket clients until
// ctx ends.
func ServeRelay(ctx context.Context, cfg config.Config, listen string, logger zerolog.Logger) error {
	if strings.HasPrefix(strings.ToLower(cfg.RemoteDSN), "ws") {
		return fmt.Errorf("relay cannot serve a relay remote: %s", cfg.RemoteDSN)
	}
	hub, closeHub, err := syncoutadapter.BuildRemoteStoreFromDSN(cfg.RemoteDSN, logger)
	if err != nil {
		return fmt.Errorf("new relay store: %w", err)
	}
	defer func() { _ = closeHub() }()

	server := &http.Server{
		Addr:              listen,
		Handler:           syncinadapter.NewRelayServer(syncusecase.NewRelayInteractor(hub), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("listen", listen).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// probeAddress returns host:port for network remotes, or "" when the remote
// lives in process.
func probeAddress(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	if parsed.Port() != "" {
		return parsed.Host
	}
	defaults := map[string]string{
		"ws": "80", "wss": "443",
		"postgres": "5432", "postgresql": "5432",
		"redis": "6379", "rediss": "6380",
	}
	port, ok := defaults[strings.ToLower(parsed.Scheme)]
	if !ok {
		return ""
	}
	return net.JoinHostPort(parsed.Hostname(), port)
}
