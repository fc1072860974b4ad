// Bulwark detects DeFi lending risk events, drives them through a
// protection pipeline and nets protective actions across positions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/bulwark/internal/agent"
	bc "github.com/linnemanlabs/bulwark/internal/cfg"
	"github.com/linnemanlabs/bulwark/internal/collab"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/ingest/kafkafeed"
	"github.com/linnemanlabs/bulwark/internal/llm/claude"
	"github.com/linnemanlabs/bulwark/internal/netting"
	"github.com/linnemanlabs/bulwark/internal/notify/slack"
	"github.com/linnemanlabs/bulwark/internal/policy"
	"github.com/linnemanlabs/bulwark/internal/position"
	"github.com/linnemanlabs/bulwark/internal/postgres"
	"github.com/linnemanlabs/bulwark/internal/riskapi"
	"github.com/linnemanlabs/bulwark/internal/store/memstore"
	"github.com/linnemanlabs/bulwark/internal/store/pgstore"
	"github.com/linnemanlabs/bulwark/internal/store/rediscache"
	"github.com/linnemanlabs/bulwark/internal/swarm"
)

const appName = "bulwark"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    bc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars fill whatever the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "BULWARK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"strict_startup", appCfg.StrictStartup,
		"kafka_brokers", appCfg.KafkaBrokers,
		"redis_enabled", appCfg.RedisURL != "",
		"postgres_enabled", appCfg.DatabaseURL != "",
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling starts early so it covers the whole process lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles (span_id pprof labels)
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profiling)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulwark_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, operation, outcome).Observe(dur.Seconds())
		},
	))

	// Stores
	var (
		incidents incident.Store
		positions position.Store
		policies  policy.Store
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.Options{
			MaxConns:  int32(appCfg.DBMaxConns), //nolint:gosec // bounded by Validate
			SlowQuery: time.Duration(appCfg.DBSlowQueryMS) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		incidents, positions, policies = pg, pg, pg
		L.Info(ctx, "using postgres store")
	} else {
		ms := memstore.New()
		incidents, positions, policies = ms, ms, ms
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	if appCfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer func() { _ = rdb.Close() }()

		cache := rediscache.New(rdb, positions, time.Duration(appCfg.RedisTTLSeconds)*time.Second, L)
		if err := cache.Ping(ctx); err != nil {
			// reads fall through to the backing store while redis is away
			L.Warn(ctx, "redis unreachable at startup", "error", err)
		}
		positions = cache
		L.Info(ctx, "position cache enabled", "ttl_seconds", appCfg.RedisTTLSeconds)
	}

	// Agents
	mode := agent.ModeTolerant
	if appCfg.StrictStartup {
		mode = agent.ModeStrict
	}
	sup := agent.NewSupervisor(mode, L, agent.NewMetrics(m.Registry()).Hooks())

	params := netting.DefaultParams()

	if appCfg.ClaudeAPIKey != "" {
		L.Info(ctx, "initialized LLM explainer", "provider", "claude", "model", appCfg.ClaudeModel)
	}
	for _, reg := range agentRegistrations(appCfg, policies, params.IndividualCost) {
		if err := sup.Register(reg); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}
	if err := sup.StartAll(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}
	total, healthy := sup.Summary()
	L.Info(ctx, "agents started", "mode", string(mode), "total", total, "healthy", healthy)

	healthInterval := time.Duration(appCfg.HealthIntervalSeconds) * time.Second
	go sup.Run(ctx, healthInterval)

	// Incident lifecycle
	incidentMetrics := incident.NewMetrics(m.Registry())
	pipeline := incident.NewPipeline(swarm.Collaborators(sup), L, incidentMetrics.Hooks())

	var notifier incident.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	svc := incident.NewService(incidents, positions, pipeline, notifier, L)
	svc.ObserveEvents(incidentMetrics.ObserveEvent)

	engine := netting.NewEngine(params, swarm.Actioner(sup), L, netting.NewMetrics(m.Registry()).Hooks())
	sw := swarm.New(sup, svc, engine, positions, L)

	// Kafka ingestion runs on its own context so it keeps consuming through
	// the drain period and stops with the other components.
	stopKafka := func(context.Context) error { return nil }
	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		consumer, err := kafkafeed.New(kafkafeed.Config{
			Brokers: brokers,
			Topic:   appCfg.KafkaTopic,
			GroupID: appCfg.KafkaGroup,
		}, svc, L, kafkafeed.NewMetrics(m.Registry()).Hooks())
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}

		kctx, kcancel := context.WithCancel(log.WithContext(context.Background(), L))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := consumer.Run(kctx); err != nil {
				L.Error(kctx, err, "kafka consumer stopped")
			}
		}()
		stopKafka = func(sctx context.Context) error {
			kcancel()
			select {
			case <-done:
				return nil
			case <-sctx.Done():
				return sctx.Err()
			}
		}
		L.Info(ctx, "kafka ingestion enabled", "topic", appCfg.KafkaTopic, "group", appCfg.KafkaGroup)
	}

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// admin/ops listener is for internal monitoring only; opshttp rejects
	// public source ips and forwarded requests
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// label DB queries with their origin and roll them up per request
	r.Use(postgres.Middleware)

	r.Use(httpmw.AccessLog())

	// 64KB covers the largest classify payloads
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	riskapi.New(L, svc, sw, appCfg.Tokens()...).RegisterRoutes(r)

	// middleware stack, outermost wrapper sees the raw request first
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	// outermost so every response carries them
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start risk api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop risk api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its own timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests and for the load balancer to notice.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Per-component budget sliced from the total. stopProf is synchronous
	// and excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"risk api http server", apiHTTPStop},
		{"kafka consumer", stopKafka},
		{"agents", sup.StopAll},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// agentRegistrations lists the built-in agents. The policy guard and the
// actioner are required; the rest degrade to their fallbacks. With a Claude
// key configured the template explainer becomes the fallback.
func agentRegistrations(c bc.Config, policies policy.Store, cost collab.CostFunc) []agent.Registration {
	var (
		explainer         agent.Agent = collab.NewExplainer()
		explainerFallback agent.Agent = collab.NewMock(collab.NameExplainer)
	)
	if c.ClaudeAPIKey != "" {
		explainer = claude.New(c.ClaudeAPIKey, c.ClaudeModel)
		explainerFallback = collab.NewExplainer()
	}

	return []agent.Registration{
		{Agent: collab.NewPolicyGuard(policies, cost), Fallback: collab.NewMock(collab.NamePolicyGuard), Required: true},
		{Agent: collab.NewPredictor(collab.DefaultBands()), Fallback: collab.NewMock(collab.NamePredictor)},
		{Agent: collab.NewOptimizer(collab.DefaultOptimizerConfig(), cost), Fallback: collab.NewMock(collab.NameOptimizer)},
		{Agent: collab.NewActioner(), Fallback: collab.NewMock(collab.NameActioner), Required: true},
		{Agent: explainer, Fallback: explainerFallback},
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
