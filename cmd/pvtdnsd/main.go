package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/haukened/pvtdns/internal/dns/common/clock"
	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
	"github.com/haukened/pvtdns/internal/dns/gateways/doh"
	"github.com/haukened/pvtdns/internal/dns/gateways/dot"
	"github.com/haukened/pvtdns/internal/dns/gateways/upstream"
	"github.com/haukened/pvtdns/internal/dns/gateways/wire"
	"github.com/haukened/pvtdns/internal/dns/infra/config"
	"github.com/haukened/pvtdns/internal/dns/repos/tickets"
	"github.com/haukened/pvtdns/internal/dns/services/privatedns"
	"github.com/haukened/pvtdns/internal/dns/services/validation"
)

const (
	version = "0.1.0-dev"
	appName = "pvtdnsd"

	// bootNetwork is the network the daemon manages. A platform integration
	// would create one per tracked network.
	bootNetwork domain.NetworkID = 1
)

// Application holds the wired private transport subsystem.
type Application struct {
	config  *config.AppConfig
	manager *privatedns.Manager
	servers domain.ServerSet
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":            version,
		"env":                cfg.Env,
		"log_level":          cfg.LogLevel,
		"provider":           cfg.Provider,
		"dot_servers":        cfg.DotServers,
		"doh_servers":        cfg.DohServers,
		"cleartext_servers":  cfg.CleartextServers,
		"session_resumption": cfg.SessionResumption,
		"early_data":         cfg.EarlyData,
	}, "Starting private DNS transport manager")

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Manager failed")
	}

	log.Info(nil, "Private DNS transport manager stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	// Shared clock for consistent time across all components
	clk := &clock.RealClock{}

	// Logger already configured globally
	logger := log.GetLogger()

	codec := wire.NewCodec()

	store, err := tickets.New(cfg.TicketCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket store: %w", err)
	}

	dohManager, err := doh.New(doh.Options{
		Dialer:  doh.NewQUICDialer(store),
		Codec:   codec,
		Tickets: store,
		Tunables: doh.Tunables{
			QueryTimeout:      cfg.QueryTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			SessionResumption: cfg.SessionResumption,
			EarlyData:         cfg.EarlyData,
			DispatchQueueSize: cfg.DispatchQueueSize,
			ServerQueueSize:   cfg.ServerQueueSize,
			ConnQueueSize:     cfg.ConnQueueSize,
			MaxStreams:        cfg.MaxStreams,
			MaxSendBytes:      cfg.MaxSendBytes,
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DoH manager: %w", err)
	}

	dotClient := dot.NewClient(dot.Options{
		Timeout: cfg.QueryTimeout,
		Logger:  logger,
	})

	cleartext, err := upstream.NewResolver(upstream.Options{
		Timeout: cfg.QueryTimeout,
		Codec:   codec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cleartext resolver: %w", err)
	}

	engine, err := validation.New(validation.Options{
		Dot:          dotClient,
		Doh:          dohManager,
		ProbeTimeout: cfg.ProbeTimeout,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validation engine: %w", err)
	}

	manager, err := privatedns.New(privatedns.Options{
		Validator:   engine,
		Doh:         dohManager,
		Dot:         dotClient,
		Cleartext:   cleartext,
		UidFailFast: cfg.UidFailFast,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport manager: %w", err)
	}

	set, err := serverSetFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Application{
		config:  cfg,
		manager: manager,
		servers: set,
	}, nil
}

// serverSetFromConfig parses the configured server lists into a ServerSet.
func serverSetFromConfig(cfg *config.AppConfig) (domain.ServerSet, error) {
	cleartext, err := parseServers(cfg.CleartextServers)
	if err != nil {
		return domain.ServerSet{}, fmt.Errorf("cleartext servers: %w", err)
	}
	dotServers, err := parseServers(cfg.DotServers)
	if err != nil {
		return domain.ServerSet{}, fmt.Errorf("DoT servers: %w", err)
	}
	dohServers, err := parseServers(cfg.DohServers)
	if err != nil {
		return domain.ServerSet{}, fmt.Errorf("DoH servers: %w", err)
	}
	return domain.ServerSet{
		Cleartext: cleartext,
		DoT:       dotServers,
		DoH:       dohServers,
		Provider:  cfg.Provider,
	}, nil
}

// parseServers converts ip:port literals into server addresses.
func parseServers(addrs []string) ([]domain.ServerAddr, error) {
	out := make([]domain.ServerAddr, 0, len(addrs))
	for _, a := range addrs {
		host, portStr, err := net.SplitHostPort(a)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", a, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", a, err)
		}
		server, err := domain.NewServerAddr(host, uint16(port))
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, nil
}

// Run applies the boot configuration and blocks until context cancellation.
// SIGUSR1 dumps per-server transport status to stdout.
func (app *Application) Run(ctx context.Context) error {
	go app.manager.Run(ctx)

	app.manager.SetServers(ctx, bootNetwork, app.servers)

	dumpChan := make(chan os.Signal, 1)
	signal.Notify(dumpChan, syscall.SIGUSR1)
	defer signal.Stop(dumpChan)

	for {
		select {
		case <-ctx.Done():
			app.manager.TeardownNetwork(bootNetwork)
			return nil
		case <-dumpChan:
			if err := app.manager.DumpStatus(os.Stdout); err != nil {
				log.Warn(map[string]any{"error": err}, "Status dump failed")
			}
		}
	}
}
