package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ClawScope/ClawScope/internal/config"
	"github.com/ClawScope/ClawScope/internal/fanout"
	"github.com/ClawScope/ClawScope/internal/hitl"
	"github.com/ClawScope/ClawScope/internal/mirror"
	"github.com/ClawScope/ClawScope/internal/notify"
	"github.com/ClawScope/ClawScope/internal/registry"
	"github.com/ClawScope/ClawScope/internal/server"
	"github.com/ClawScope/ClawScope/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the observability server",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	color.Cyan(logo)
	fmt.Println("Starting ClawScope server...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DBPath), 0o755); err != nil {
		fmt.Printf("Failed to create data directory: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Printf("Failed to open event store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	fmt.Printf("💾 Event store ready at %s\n", cfg.Store.DBPath)

	reg := registry.NewResolver(st.DB())
	hub := fanout.NewHub()
	router := hitl.NewRouter(st, hub)

	m := mirror.New(cfg.Mirror.Brokers, cfg.Mirror.Topic)
	if m != nil {
		defer m.Close()
		fmt.Printf("📡 Kafka mirror enabled → %s (%s)\n", cfg.Mirror.Brokers, cfg.Mirror.Topic)
	}
	n := notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL)
	if n != nil {
		fmt.Println("🔔 Slack HITL notifications enabled")
	}

	srv := server.New(st, reg, hub, router, m, n, version)

	// The configured port may be taken by another instance; walk forward
	// through the range until a bind succeeds.
	var listener net.Listener
	var port int
	for p := cfg.Server.Port; p <= cfg.Server.Port+cfg.Server.PortRange; p++ {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, p)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("⚠️ Port %d unavailable, trying next\n", p)
			continue
		}
		listener = l
		port = p
		break
	}
	if listener == nil {
		fmt.Printf("No free port in %d-%d\n", cfg.Server.Port, cfg.Server.Port+cfg.Server.PortRange)
		os.Exit(1)
	}

	go func() {
		fmt.Printf("🚀 ClawScope listening on http://%s:%d\n", cfg.Server.Host, port)
		if err := http.Serve(listener, srv.Handler()); err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\n👋 Shutting down")
	listener.Close()
}
