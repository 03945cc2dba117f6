package fleetsync

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/openattend/fleet-sync/fleet"
	"github.com/openattend/fleet-sync/internal"
	"github.com/openattend/fleet-sync/pubsub"
	"github.com/openattend/fleet-sync/state"
	"github.com/openattend/fleet-sync/zk"
)

const Version = "0.2.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts configures RunFleetSyncServer. Zero values select defaults; only
// PostgresURI is required.
type Opts struct {
	PostgresURI string
	BindAddr    string
	Interval    time.Duration
	WebhookURL  string

	SentryDSN string
	OTLPURL   string
	OTLPUser  string
	OTLPPass  string
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

type service struct {
	orch      *fleet.Orchestrator
	storage   *state.Storage
	lastSweep atomic.Value // time.Time
}

func (s *service) sweep(ctx context.Context) {
	if s.orch.RunFleetSync(ctx) {
		s.lastSweep.Store(time.Now().UTC())
	}
}

func (s *service) health(w http.ResponseWriter, req *http.Request) {
	devices, err := s.storage.Devices.SelectActive()
	if err != nil {
		hlog.FromRequest(req).Err(err).Msg("health: failed to load devices")
		w.WriteHeader(500)
		return
	}
	online := 0
	for _, d := range devices {
		if d.Online {
			online++
		}
	}
	body := struct {
		LastSweepAt   *time.Time `json:"last_sweep_at"`
		ActiveDevices int        `json:"active_devices"`
		OnlineDevices int        `json:"online_devices"`
	}{
		ActiveDevices: len(devices),
		OnlineDevices: online,
	}
	if t, ok := s.lastSweep.Load().(time.Time); ok {
		body.LastSweepAt = &t
	}
	b, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(b)
}

// RunFleetSyncServer is the main entry point: it wires storage, the sweep
// orchestrator, the notification pipeline and the HTTP surface (metrics and
// health), then sweeps the fleet on a timer until SIGINT/SIGTERM. An
// in-flight sweep finishes before shutdown completes.
func RunFleetSyncServer(opts Opts) {
	if opts.BindAddr == "" {
		opts.BindAddr = ":8020"
	}
	if opts.Interval == 0 {
		opts.Interval = fleet.DefaultInterval
	}
	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: opts.SentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}
	if opts.OTLPURL != "" {
		if err := internal.ConfigureOTLP(opts.OTLPURL, opts.OTLPUser, opts.OTLPPass, Version); err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}

	storage := state.NewStorage(opts.PostgresURI)
	defer storage.Teardown()

	// Notification pipeline: the orchestrator publishes outcomes, the
	// dispatcher turns failures into throttled sink notifications.
	bus := pubsub.NewPubSub(100)
	var sinks fleet.MultiSink
	if opts.SentryDSN != "" {
		sinks = append(sinks, fleet.SentrySink{})
	}
	if opts.WebhookURL != "" {
		sinks = append(sinks, fleet.NewWebhookSink(opts.WebhookURL))
	}
	throttled := fleet.NewThrottledSink(sinks, fleet.DefaultNotifyThrottle)
	defer throttled.Stop()
	sub := pubsub.NewSyncSub(bus, fleet.NewDispatcher(throttled))
	go sub.Listen()
	defer sub.Teardown()

	connector := &fleet.ZKConnector{Opts: zk.SessionOpts{
		Dialer: &zk.Dialer{Timeout: zk.DefaultTimeout, Ports: zk.DefaultPortPool(), Log: logger},
		Sizes:  zk.NewSizeCache(),
		Log:    logger,
	}}
	orch := fleet.NewOrchestrator(storage.Devices, storage.Persons, storage, storage.SyncRuns, connector)
	orch.Bus = pubsub.NewPromNotifier(bus, "fleet")
	orch.Metrics = fleet.NewMetrics()

	// Manual operations (test-connection, enroll, relay) come in through the
	// external request layer, which drives this manager directly.
	manager := fleet.NewConnectionManager(connector, orch.Leases, orch)
	defer manager.Teardown()

	svc := &service{orch: orch, storage: storage}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", svc.health)
	srv := &http.Server{
		Addr: opts.BindAddr,
		Handler: &server{
			chain: []func(next http.Handler) http.Handler{
				hlog.NewHandler(logger),
				hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
					hlog.FromRequest(r).Info().
						Str("method", r.Method).
						Int("status", status).
						Dur("duration", duration).
						Str("path", r.URL.Path).
						Msg("")
				}),
				hlog.RemoteAddrHandler("ip"),
			},
			final: r,
		},
	}
	go func() {
		logger.Info().Msgf("listening on %s", opts.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to listen and serve")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.sweep(ctx)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			svc.sweep(ctx)
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
}
