package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"watchtower/config"
	"watchtower/internal/alerts"
	"watchtower/internal/anomaly"
	"watchtower/internal/api"
	"watchtower/internal/enrich"
	"watchtower/internal/incident"
	inputredis "watchtower/internal/input/redis"
	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/monitor"
	"watchtower/internal/output/alerthttp"
	"watchtower/internal/output/alertjson"
	"watchtower/internal/output/alertnats"
	"watchtower/internal/output/alertws"
	"watchtower/internal/pipeline"
	"watchtower/internal/profile"
	"watchtower/internal/response"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("watchtower.yml"); err == nil {
		return "watchtower.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "watchtower.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "watchtower.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.Watchtower.Input.Redis.Addr == "" {
		cfg.Watchtower.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Watchtower.Input.Redis.Key == "" {
		cfg.Watchtower.Input.Redis.Key = "security_events"
	}
	if cfg.Watchtower.Input.Redis.BlockTimeout == 0 {
		cfg.Watchtower.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if cfg.Watchtower.Pipeline.Workers <= 0 {
		cfg.Watchtower.Pipeline.Workers = 8
	}

	if cfg.Watchtower.Store.Mode == "" {
		cfg.Watchtower.Store.Mode = "memory"
	}
	if cfg.Watchtower.Store.MaxEvents <= 0 {
		cfg.Watchtower.Store.MaxEvents = 100000
	}
	if cfg.Watchtower.Store.Redis.Addr == "" {
		cfg.Watchtower.Store.Redis.Addr = cfg.Watchtower.Input.Redis.Addr
	}

	if cfg.Watchtower.Profiles.LookbackDays <= 0 {
		cfg.Watchtower.Profiles.LookbackDays = 30
	}
	if cfg.Watchtower.Profiles.MinEvents <= 0 {
		cfg.Watchtower.Profiles.MinEvents = 50
	}
	if cfg.Watchtower.Profiles.MaxAge <= 0 {
		cfg.Watchtower.Profiles.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Watchtower.Profiles.CacheSize <= 0 {
		cfg.Watchtower.Profiles.CacheSize = 4096
	}

	if cfg.Watchtower.Incidents.ContextWindow <= 0 {
		cfg.Watchtower.Incidents.ContextWindow = 2 * time.Hour
	}

	if cfg.Watchtower.Response.RateLimitTTL <= 0 {
		cfg.Watchtower.Response.RateLimitTTL = time.Hour
	}

	if cfg.Watchtower.API.Addr == "" {
		cfg.Watchtower.API.Addr = ":8087"
	}

	if cfg.Watchtower.Logging.Level == "" {
		cfg.Watchtower.Logging.Level = "info"
	}
}

type storeSet struct {
	events    store.EventStore
	profiles  store.ProfileStore
	incidents store.IncidentStore
	alerts    store.AlertStore
	close     func() error
}

func buildStores(cfg *config.Config) (*storeSet, error) {
	switch cfg.Watchtower.Store.Mode {
	case "memory":
		mem := store.NewMemoryStore(cfg.Watchtower.Store.MaxEvents)
		return &storeSet{
			events:    mem,
			profiles:  mem,
			incidents: mem,
			alerts:    mem,
			close:     func() error { return nil },
		}, nil
	case "redis":
		rs, err := store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Watchtower.Store.Redis.Addr,
			Password: cfg.Watchtower.Store.Redis.Password,
			DB:       cfg.Watchtower.Store.Redis.DB,
			EventTTL: cfg.Watchtower.Store.Redis.EventTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return &storeSet{
			events:    rs,
			profiles:  rs,
			incidents: rs,
			alerts:    rs,
			close:     rs.Close,
		}, nil
	case "postgres":
		// Events and profiles stay hot in memory; incidents and alerts
		// land in the durable archive.
		mem := store.NewMemoryStore(cfg.Watchtower.Store.MaxEvents)
		pg, err := store.NewPostgresStore(cfg.Watchtower.Store.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		return &storeSet{
			events:    mem,
			profiles:  mem,
			incidents: pg,
			alerts:    pg,
			close:     pg.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store mode: %s", cfg.Watchtower.Store.Mode)
	}
}

func runServe(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.Watchtower.Logging.Enabled, cfg.Watchtower.Logging.Level, cfg.Watchtower.Logging.File, cfg.Watchtower.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("Watchtower starting")
	logger.Infof("Config loaded from: %s", configPath)

	stores, err := buildStores(cfg)
	if err != nil {
		logger.Errorf("Failed to build stores: %v", err)
		log.Fatalf("Failed to build stores: %v", err)
	}

	builder, err := profile.NewBuilder(stores.events, stores.profiles, profile.Config{
		LookbackDays: cfg.Watchtower.Profiles.LookbackDays,
		MinEvents:    cfg.Watchtower.Profiles.MinEvents,
		MaxAge:       cfg.Watchtower.Profiles.MaxAge,
		CacheSize:    cfg.Watchtower.Profiles.CacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to create profile builder: %v", err)
	}

	scorer := anomaly.NewScorer(stores.events, anomaly.Config{
		LookbackDays: cfg.Watchtower.Profiles.LookbackDays,
	})

	manager := alerts.NewManager(stores.alerts, alerts.Config{
		SendTimeout:      cfg.Watchtower.Alerts.SendTimeout,
		SubscriberBuffer: cfg.Watchtower.Alerts.SubscriberBuffer,
	})

	if cfg.Watchtower.Alerts.Outputs.File.Enabled {
		w, err := alertjson.NewWriter(cfg.Watchtower.Alerts.Outputs.File.Path)
		if err != nil {
			log.Fatalf("Failed to create alert file writer: %v", err)
		}
		manager.AddSink(w)
		defer w.Close()
		logger.Infof("Alert sink: file (%s)", cfg.Watchtower.Alerts.Outputs.File.Path)
	}
	if cfg.Watchtower.Alerts.Outputs.HTTP.Enabled {
		w, err := alerthttp.NewWriter(alerthttp.Config{
			URL:     cfg.Watchtower.Alerts.Outputs.HTTP.URL,
			Timeout: cfg.Watchtower.Alerts.Outputs.HTTP.Timeout,
			Headers: cfg.Watchtower.Alerts.Outputs.HTTP.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create alert HTTP writer: %v", err)
		}
		manager.AddSink(w)
		logger.Infof("Alert sink: http (%s)", cfg.Watchtower.Alerts.Outputs.HTTP.URL)
	}
	if cfg.Watchtower.Alerts.Outputs.NATS.Enabled {
		p, err := alertnats.NewPublisher(alertnats.Config{
			URL:     cfg.Watchtower.Alerts.Outputs.NATS.URL,
			Subject: cfg.Watchtower.Alerts.Outputs.NATS.Subject,
		})
		if err != nil {
			log.Fatalf("Failed to create alert NATS publisher: %v", err)
		}
		manager.AddSink(p)
		defer p.Close()
		logger.Infof("Alert sink: nats (%s)", cfg.Watchtower.Alerts.Outputs.NATS.Subject)
	}

	hub := alertws.NewHub()
	manager.AddSink(hub)
	defer hub.Close()

	watchers := alerts.NewWatchers(stores.events, manager, alerts.WatcherConfig{
		BruteForceThreshold: cfg.Watchtower.Alerts.Watchers.BruteForceThreshold,
		BruteForceWindow:    cfg.Watchtower.Alerts.Watchers.BruteForceWindow,
		EnumThreshold:       cfg.Watchtower.Alerts.Watchers.EnumerationThreshold,
		EnumWindow:          cfg.Watchtower.Alerts.Watchers.EnumerationWindow,
		HighRiskScore:       cfg.Watchtower.Alerts.Watchers.HighRiskThreshold,
		HighRiskWindow:      cfg.Watchtower.Alerts.Watchers.HighRiskWindow,
		ExcessiveThreshold:  cfg.Watchtower.Alerts.Watchers.ExcessiveThreshold,
		ExcessiveWindow:     cfg.Watchtower.Alerts.Watchers.ExcessiveWindow,
		ErrorSpikeThreshold: cfg.Watchtower.Alerts.Watchers.ErrorSpikeThreshold,
		ErrorSpikeWindow:    cfg.Watchtower.Alerts.Watchers.ErrorSpikeWindow,
		Cooldown:            cfg.Watchtower.Alerts.Cooldown,
	})

	var backing response.Backing
	if cfg.Watchtower.Store.Mode == "redis" {
		b, err := response.NewRedisBacking(
			cfg.Watchtower.Store.Redis.Addr,
			cfg.Watchtower.Store.Redis.Password,
			cfg.Watchtower.Store.Redis.DB,
			"watchtower:containment",
		)
		if err != nil {
			log.Fatalf("Failed to create containment backing: %v", err)
		}
		backing = b
	}
	state := response.NewContainmentState(backing)
	executor := response.NewExecutor(state, stores.incidents, response.NopDirectory{}, manager, response.Config{
		RateLimitTTL: cfg.Watchtower.Response.RateLimitTTL,
	})

	rules := incident.DefaultRules()
	if path := strings.TrimSpace(cfg.Watchtower.Incidents.RulesPath); path != "" {
		loaded, err := incident.LoadRuleSet(path)
		if err != nil {
			log.Fatalf("Failed to load incident rules: %v", err)
		}
		rules = loaded
		logger.Infof("Incident rules loaded from %s: %d rules", path, len(rules))
	}

	engine, err := incident.NewEngine(stores.events, stores.incidents, executor, rules, incident.Config{
		ContextWindow: cfg.Watchtower.Incidents.ContextWindow,
	})
	if err != nil {
		log.Fatalf("Failed to create incident engine: %v", err)
	}

	var tagger *enrich.SigmaTagger
	if cfg.Watchtower.Detection.SigmaEnabled {
		if strings.TrimSpace(cfg.Watchtower.Detection.SigmaPath) == "" {
			logger.Warnf("Sigma enabled but detection.sigma_path is empty; enrichment disabled")
		} else {
			t, stats, err := enrich.NewSigmaTagger(cfg.Watchtower.Detection.SigmaPath)
			if err != nil {
				log.Fatalf("Failed to load Sigma rules: %v", err)
			}
			tagger = t
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_invalid=%d files=%d",
				stats.Loaded, stats.SkippedComplex, stats.SkippedInvalid, stats.TotalFiles)
			if stats.Loaded == 0 {
				logger.Warnf("No usable Sigma rules loaded; enrichment is effectively disabled")
			}
		}
	}

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         cfg.Watchtower.Input.Redis.Addr,
		Password:     cfg.Watchtower.Input.Redis.Password,
		DB:           cfg.Watchtower.Input.Redis.DB,
		Key:          cfg.Watchtower.Input.Redis.Key,
		BlockTimeout: cfg.Watchtower.Input.Redis.BlockTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}

	pipe := pipeline.New(consumer, tagger, stores.events, builder, scorer, manager, engine, pipeline.Config{
		Workers: cfg.Watchtower.Pipeline.Workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Pipeline error: %v", err)
		}
	}()

	mon := monitor.New(stores.profiles, builder, watchers, state, monitor.Config{
		ProfileRefreshInterval: cfg.Watchtower.Monitor.ProfileRefreshInterval,
		RealtimeInterval:       cfg.Watchtower.Monitor.RealtimeInterval,
		DeepAnalysisInterval:   cfg.Watchtower.Monitor.DeepAnalysisInterval,
	})
	mon.Start(ctx)

	var httpServer *http.Server
	if cfg.Watchtower.API.Enabled {
		collector := metrics.NewCollector(stores.events, stores.incidents, time.Hour)
		admin := api.New(stores.incidents, stores.alerts, engine, executor, collector, hub.Handler())
		httpServer = &http.Server{Addr: cfg.Watchtower.API.Addr, Handler: admin.Handler()}
		go func() {
			logger.Infof("Admin API listening on %s", cfg.Watchtower.API.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Admin API error: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	// The consumer and stores stay open until the workers have drained
	// every in-flight event.
	<-pipeDone
	mon.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Admin API shutdown error: %v", err)
		}
		shutdownCancel()
	}

	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}
	if err := stores.close(); err != nil {
		logger.Errorf("Error closing stores: %v", err)
	}

	logger.Infof("Watchtower stopped")
}

// runAnalyze replays a JSONL event capture through the full detection
// path offline and writes the resulting incidents and alerts.
func runAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	input := fs.String("input", "output/events.jsonl", "Security event JSONL input path")
	incidentsOut := fs.String("incidents-output", "output/incidents.jsonl", "Incident JSONL output path")
	alertsOut := fs.String("alerts-output", "", "Optional alert JSONL output path")
	rulesFile := fs.String("rules-file", "", "YAML file that defines incident rules")
	minEvents := fs.Int("min-profile-events", 50, "Minimum events before a user baseline applies")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	events, err := loadEventsJSONL(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load events: %v\n", err)
		return 1
	}

	mem := store.NewMemoryStore(len(events) + 1)
	builder, err := profile.NewBuilder(mem, mem, profile.Config{MinEvents: *minEvents})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create profile builder: %v\n", err)
		return 1
	}
	scorer := anomaly.NewScorer(mem, anomaly.Config{})
	manager := alerts.NewManager(mem, alerts.Config{})
	state := response.NewContainmentState(nil)
	executor := response.NewExecutor(state, mem, response.NopDirectory{}, manager, response.Config{})

	rules := incident.DefaultRules()
	if strings.TrimSpace(*rulesFile) != "" {
		rules, err = incident.LoadRuleSet(*rulesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load rules file: %v\n", err)
			return 1
		}
	}
	engine, err := incident.NewEngine(mem, mem, executor, rules, incident.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create incident engine: %v\n", err)
		return 1
	}

	pipe := pipeline.New(nil, nil, mem, builder, scorer, manager, engine, pipeline.Config{})

	ctx := context.Background()
	for _, event := range events {
		pipe.Process(ctx, event)
	}

	incidents, err := mem.ListIncidents(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list incidents: %v\n", err)
		return 1
	}
	if err := writeJSONLines(*incidentsOut, incidents); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write incidents: %v\n", err)
		return 1
	}

	alertCount := 0
	if strings.TrimSpace(*alertsOut) != "" {
		raised, err := mem.ListAlerts(ctx, time.Time{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list alerts: %v\n", err)
			return 1
		}
		alertCount = len(raised)
		if err := writeJSONLines(*alertsOut, raised); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write alerts: %v\n", err)
			return 1
		}
	}

	fmt.Printf("analyzed events=%d incidents=%d alerts=%d output=%s\n", len(events), len(incidents), alertCount, *incidentsOut)
	return 0
}

func loadEventsJSONL(path string) ([]*models.SecurityEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var out []*models.SecurityEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event models.SecurityEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		out = append(out, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}

func writeJSONLines[T any](path string, rows []T) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range rows {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "analyze":
			os.Exit(runAnalyze(os.Args[2:]))
		default:
			// Backward-compatible mode: first arg is config path.
			runServe(os.Args[1:])
			return
		}
	}

	runServe(nil)
}
