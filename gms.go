package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/gms/admin"
	"github.com/maxpert/gms/cfg"
	"github.com/maxpert/gms/health"
	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/probe"
	"github.com/maxpert/gms/telemetry"
	"github.com/maxpert/gms/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const seedViewID = 1

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node", cfg.Config.NodeName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("gms - ring failure detection and weighted quorum")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	local, err := localMember()
	if err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	bind := netip.MustParseAddr(cfg.Config.Membership.BindAddress)
	locators, err := membership.ParseLocators(context.Background(), cfg.Config.Membership.Locators, bind)
	if err != nil {
		panic(fmt.Sprintf("Invalid locators: %v", err))
	}

	registry := membership.NewRegistryWithView(local, membership.SeedView(local, locators, seedViewID))

	// Probe channel shares the membership port number over UDP
	channel, err := transport.ListenUDP(netip.AddrPortFrom(bind, uint16(cfg.Config.Membership.Port)))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open probe channel")
		return
	}
	defer channel.Close()
	channel.SetReceiver(probe.NewResponder(channel))

	messenger := transport.NewMessenger(local, transport.MessengerConfigFromCluster(cfg.Config))
	defer messenger.Close()

	monitor := health.NewMonitor(health.ConfigFromCluster(cfg.Config.Membership), messenger, registry)
	messenger.SetHandler(monitor)
	registry.SetOnViewChange(func(v *membership.View) {
		monitor.InstallView(v)
		messenger.Retain(v)
	})
	monitor.InstallView(registry.View())

	server := transport.NewServer(transport.ServerConfig{
		Address: cfg.Config.Membership.BindAddress,
		Port:    cfg.Config.Membership.Port,
		Secret:  cfg.Config.ClusterAuth.Secret,
	}, messenger)

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		server.SetMetricsHandler(handler)
	}

	handlers := admin.NewAdminHandlers(registry, monitor, channel, admin.QuorumSettings{
		PartitionThresholdPercent: cfg.Config.Quorum.PartitionThresholdPercent,
		CheckTimeout:              time.Duration(cfg.Config.Quorum.CheckTimeoutMS) * time.Millisecond,
		PollInterval:              time.Duration(cfg.Config.Quorum.PollIntervalMS) * time.Millisecond,
	}, cfg.Config.ClusterAuth.Secret)
	server.AddRoutes(func(mux *http.ServeMux) {
		admin.RegisterRoutes(mux, handlers)
	})

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start membership server")
		return
	}
	defer server.Stop()

	monitor.Started()
	defer monitor.Stop()

	collector := telemetry.NewMetricsCollector(monitor, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	log.Info().
		Str("member", local.String()).
		Int64("view_id", registry.View().ID()).
		Int("members", registry.View().Size()).
		Msg("Node is operational")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
}

// localMember builds the local member from the membership configuration.
// Its token is derived from the advertised endpoint so peers listing it as a
// locator agree on its identity.
func localMember() (membership.Member, error) {
	m := cfg.Config.Membership

	addr, err := netip.ParseAddr(m.AdvertiseAddress)
	if err != nil {
		return membership.Member{}, fmt.Errorf("invalid advertise address %q: %w", m.AdvertiseAddress, err)
	}

	role, err := membership.ParseRole(m.Role)
	if err != nil {
		return membership.Member{}, err
	}

	return membership.NewStaticMember(addr, uint16(m.Port), role).
		WithWeight(m.MemberWeight, m.PreferredForCoordinator), nil
}
