package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/danbachar/grassroots/internal/ble"
	"github.com/danbachar/grassroots/internal/config"
	"github.com/danbachar/grassroots/internal/delivery"
	"github.com/danbachar/grassroots/internal/identity"
	"github.com/danbachar/grassroots/internal/mesh"
	"github.com/danbachar/grassroots/internal/peer"
	"github.com/danbachar/grassroots/internal/store"
	"github.com/danbachar/grassroots/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/grassroots/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}
	setupLogging(cfg.LogLevel)

	id, err := identity.LoadOrCreate(cfg.DataDir, cfg.DisplayName)
	if err != nil {
		fatal("identity", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "grassroots.db"))
	if err != nil {
		fatal("store", err)
	}
	defer st.Close()

	printBanner(cfg, id)

	transport := ble.NewTinygoTransport()
	friends, err := st.Friends()
	if err != nil {
		fatal("loading friends", err)
	}
	// The scan path can only test service membership, so it needs the
	// friend services up front.
	services := []string{identity.ServiceUUID(id.PublicKey)}
	for _, f := range friends {
		services = append(services, identity.ServiceUUID(f.PublicKey))
	}
	transport.SetKnownServices(services)

	co := mesh.New(cfg, id, transport, st, logNotifier{}, mesh.Options{})
	if err := co.Start(); err != nil {
		fatal("starting coordinator", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	if err := co.Stop(); err != nil {
		slog.Error("shutdown", "error", err)
	}
}

// loadConfig loads the config from the given path, falling back to the
// default config path, then to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func printBanner(cfg *config.Config, id *identity.Identity) {
	fmt.Printf("grassrootsd\n")
	fmt.Printf("  node:    %s\n", id.PublicKey.Short())
	fmt.Printf("  name:    %s\n", cfg.DisplayName)
	fmt.Printf("  privacy: %d\n", cfg.Privacy)
	fmt.Printf("  data:    %s\n", cfg.DataDir)
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "grassrootsd: %s: %v\n", what, err)
	os.Exit(1)
}

// logNotifier surfaces engine events in the daemon log. A UI frontend
// would hang its own Notifier here instead.
type logNotifier struct{}

func (logNotifier) FriendRequestReceived(p peer.Peer) {
	slog.Info("friend request received", "peer", p.PublicKey.Short(), "name", p.DisplayName)
}

func (logNotifier) FriendAdded(p peer.Peer) {
	slog.Info("friend added", "peer", p.PublicKey.Short(), "name", p.DisplayName)
}

func (logNotifier) FriendRequestRejected(key wire.ID) {
	slog.Info("friend request rejected", "peer", key.Short())
}

func (logNotifier) MessageReceived(m delivery.Message) {
	slog.Info("message received", "from", m.Sender.Short(), "id", m.ID, "bytes", len(m.Content))
}

func (logNotifier) MessageStatusChanged(id wire.MessageID, status delivery.Status) {
	slog.Info("message status", "id", id, "status", status.String())
}

func (logNotifier) PeerPresenceChanged(key wire.ID, inRange bool) {
	slog.Info("peer presence", "peer", key.Short(), "in_range", inRange)
}
