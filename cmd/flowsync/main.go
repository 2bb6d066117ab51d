package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flowsync/internal/bootstrap"
	"flowsync/internal/platform/config"
	"flowsync/internal/platform/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	dataDir    string
	user       string
	room       string
	remote     string
	local      string
	keys       string
	encrypt    bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "flowsync",
		Short:         "Offline-first synced rooms with end-to-end encryption",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default <data-dir>/flowsync.yaml)")
	pf.StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "directory for local state")
	pf.StringVar(&flags.user, "user", "", "user id; empty runs local-only")
	pf.StringVar(&flags.room, "room", "", "room id")
	pf.StringVar(&flags.remote, "remote", "", "remote store dsn: memory://, postgres://, redis://, ws://")
	pf.StringVar(&flags.local, "local", "", "local store dsn: sqlite://, bolt://, file://, memory://")
	pf.StringVar(&flags.keys, "keys", "", "key record store dsn (defaults to the remote when it can hold keys)")
	pf.BoolVar(&flags.encrypt, "encrypt", false, "encrypt snapshots before they leave the device")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug|info|warn|error")

	root.AddCommand(newRoomCmd(flags))
	root.AddCommand(newKeysCmd(flags))
	root.AddCommand(newRelayCmd(flags))
	root.AddCommand(newTUICmd(flags))
	return root
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "flowsync")
	}
	return ".flowsync"
}

// loadConfig layers explicitly set flags over the config file.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.dataDir, flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("user") {
		cfg.UserID = flags.user
	}
	if changed("room") {
		cfg.Room = flags.room
	}
	if changed("remote") {
		cfg.RemoteDSN = flags.remote
	}
	if changed("local") {
		cfg.LocalDSN = flags.local
	}
	if changed("keys") {
		cfg.KeysDSN = flags.keys
	}
	if changed("encrypt") {
		cfg.Encrypt = flags.encrypt
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	app, err := bootstrap.New(cfg, logging.Console(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(cmd.Context(), app)
}

func newRoomCmd(flags *globalFlags) *cobra.Command {
	room := &cobra.Command{Use: "room", Short: "Read and edit the current room"}

	room.AddCommand(&cobra.Command{
		Use:   "put <key> <value>",
		Short: "Set a key; value is JSON, or a plain string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Put(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "put %s status=%s pending=%d\n", out.Key, out.Status.Status, out.Status.PendingCount)
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a key's JSON value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Get(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out.Value))
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every key in the room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.List(ctx)
				if err != nil {
					return err
				}
				if len(out.Entries) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "room is empty")
					return nil
				}
				for _, entry := range out.Entries {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", entry.Key, entry.Value)
				}
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"del", "rm"},
		Short:   "Remove a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s status=%s\n", out.Key, out.Status.Status)
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Status(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "room: %s\nstatus: %s\npending: %d\nsession: %s\n", out.RoomID, out.Status, out.PendingCount, out.SessionID)
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "rooms",
		Short: "List rooms saved on this device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Rooms(ctx)
				if err != nil {
					return err
				}
				if len(out.Rooms) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no rooms")
					return nil
				}
				for _, id := range out.Rooms {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "backups",
		Short: "List this device's backups of the room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Backups(ctx)
				if err != nil {
					return err
				}
				if len(out.Backups) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no backups")
					return nil
				}
				for _, backup := range out.Backups {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", backup.TakenAt.Format(time.RFC3339Nano), backup.Size)
				}
				return nil
			})
		},
	})

	room.AddCommand(&cobra.Command{
		Use:   "restore <taken-at>",
		Short: "Bring the room's entries back to a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.RoomCLI.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored %d entries from %s (%s)\n",
					out.Entries, out.TakenAt.Format(time.RFC3339Nano), out.Status.Status)
				return nil
			})
		},
	})

	var duration time.Duration
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream the room as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}
				views, err := app.RoomCLI.Watch(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for view := range views {
					if err := enc.Encode(view); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	watch.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	room.AddCommand(watch)
	return room
}

func newKeysCmd(flags *globalFlags) *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Per-room encryption keys"}

	keys.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the room key fingerprint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				room, err := requireRoom(cmd, flags)
				if err != nil {
					return err
				}
				out, err := app.KeysCLI.Show(ctx, room)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nroom: %s\nalgorithm: %s\nfingerprint: %s\n", out.UserID, out.RoomID, out.Algorithm, out.Fingerprint)
				return nil
			})
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "encrypt <plaintext>",
		Short: "Encrypt text with the room key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				room, err := requireRoom(cmd, flags)
				if err != nil {
					return err
				}
				out, err := app.KeysCLI.Encrypt(ctx, room, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.Ciphertext)
				return nil
			})
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "decrypt <ciphertext>",
		Short: "Decrypt text sealed with the room key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				room, err := requireRoom(cmd, flags)
				if err != nil {
					return err
				}
				out, err := app.KeysCLI.Decrypt(ctx, room, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.Plaintext)
				return nil
			})
		},
	})
	return keys
}

func requireRoom(cmd *cobra.Command, flags *globalFlags) (string, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return "", fmt.Errorf("--user is required for key operations")
	}
	return cfg.Room, nil
}

func newRelayCmd(flags *globalFlags) *cobra.Command {
	var listen string
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Serve the remote store to websocket clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.RelayListen
			}
			return bootstrap.ServeRelay(cmd.Context(), cfg, listen, logging.Console(cfg.LogLevel))
		},
	}
	relay.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return relay
}

func newTUICmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Run the terminal UI for the current room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			// logs would tear the alt screen, so they go to a file
			logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "flowsync.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logFile.Close()
			app, err := bootstrap.New(cfg, logging.New(cfg.LogLevel, logFile))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			return bootstrap.RunTUI(cmd.Context(), app)
		},
	}
}
