package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxyscope/backend/internal/config"
	"github.com/proxyscope/backend/internal/event"
	"github.com/proxyscope/backend/internal/frontend"
	"github.com/proxyscope/backend/internal/mock"
	"github.com/proxyscope/backend/internal/stats"
	"github.com/proxyscope/backend/internal/telemetry"
	"github.com/proxyscope/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Publish synthetic traffic events")
	devMode := flag.Bool("dev", false, "Development mode (serve dashboard from filesystem)")
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	enableEvents := flag.Bool("enable-events", false, "Allow observers to enable traffic inspection")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *enableEvents {
		cfg.Dashboard.EnableEvents = true
	}

	bus := event.NewBus()
	tracker := stats.NewTracker()
	bus.SetObserver(tracker)

	// Embedded dashboard: when built with -tags embed, assets are served
	// from the binary. Otherwise the configured static dir is used.
	var embeddedHandler http.Handler
	if !*devMode {
		embeddedHandler = frontend.Handler()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		log.Println("Publishing synthetic traffic events")
		gen := mock.NewGenerator(bus, 250*time.Millisecond)
		go gen.Start(ctx)
	}
	if cfg.Telemetry.Enabled {
		producer, err := telemetry.NewProducer(bus, cfg.Telemetry.PollInterval)
		if err != nil {
			log.Printf("Telemetry disabled: %v", err)
		} else {
			go producer.Start(ctx)
		}
	}

	server := ws.NewServer(cfg, bus, tracker, embeddedHandler)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		bus.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
