package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"traffic-state/internal/broadcast"
	"traffic-state/internal/detector"
	"traffic-state/internal/emitter"
	"traffic-state/internal/history"
	"traffic-state/internal/platform/config"
	"traffic-state/internal/platform/logger"
	"traffic-state/internal/platform/metrics"
	"traffic-state/internal/replay"
	"traffic-state/internal/traffic"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	roadsFile := config.GetEnv("ROADS_FILE", "roads.yaml")
	thresholds := traffic.Thresholds{
		Yellow: config.GetEnvInt("THRESHOLD_YELLOW", traffic.DefaultYellowThreshold),
		Red:    config.GetEnvInt("THRESHOLD_RED", traffic.DefaultRedThreshold),
	}
	windowSec := config.GetEnvFloat("WINDOW_SEC", traffic.DefaultWindowSec)
	broadcastEvery := config.GetEnvDuration("BROADCAST_INTERVAL", traffic.DefaultBroadcastInterval)
	replayFPS := config.GetEnvFloat("REPLAY_FPS", 10)

	log := logger.New(logLevel, logFormat)

	if err := thresholds.Validate(); err != nil {
		log.Error("invalid thresholds", "error", err)
		os.Exit(1)
	}
	crossingMode, err := traffic.ParseCrossingMode(config.GetEnv("CROSSING_MODE", string(traffic.CrossingSide)))
	if err != nil {
		log.Error("invalid crossing mode", "error", err)
		os.Exit(1)
	}
	roads, err := config.LoadRoads(roadsFile)
	if err != nil {
		log.Error("load roads failed", "error", err)
		os.Exit(1)
	}

	met := metrics.New()

	var det traffic.Detector = replay.Passthrough{}
	if url := config.GetEnv("DETECTOR_URL", ""); url != "" {
		client := detector.New(url,
			config.GetEnvFloat("DETECTOR_CONFIDENCE", detector.DefaultConfidence),
			config.GetEnvDuration("DETECTOR_TIMEOUT", 10*time.Second))
		checkCtx, cancelCheck := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.CheckHealth(checkCtx); err != nil {
			// Workers count zero detections until the service comes up.
			log.Warn("detector not ready", "url", url, "error", err)
		}
		cancelCheck()
		det = client
	}

	var frameInterval time.Duration
	if replayFPS > 0 {
		frameInterval = time.Duration(float64(time.Second) / replayFPS)
	}

	reg := traffic.NewRegistry(traffic.WorkerOptions{
		Opener:         replay.Opener(frameInterval),
		Detector:       det,
		Thresholds:     thresholds,
		WindowSec:      windowSec,
		CrossingMode:   crossingMode,
		SampleInterval: config.GetEnvDuration("SAMPLE_INTERVAL", traffic.DefaultSampleInterval),
		RetryDelay:     config.GetEnvDuration("RETRY_DELAY", traffic.DefaultRetryDelay),
		Log:            log,
		Metrics:        met,
	})
	defer reg.Close()

	for _, rd := range roads {
		cfg, err := sourceConfig(rd)
		if err != nil {
			log.Error("invalid road", "road_id", rd.ID, "error", err)
			os.Exit(1)
		}
		if _, err := reg.Add(cfg); err != nil {
			log.Error("add road failed", "road_id", rd.ID, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.NewHub(broadcast.HubOptions{
		OriginPatterns: splitList(config.GetEnv("WS_ORIGINS", "")),
		Log:            log,
		Metrics:        met,
	})
	defer hub.Close()
	sinks := []traffic.Sink{hub}

	var hist traffic.HistoryReader
	if path := config.GetEnv("HISTORY_DB", ""); path != "" {
		store, err := history.Open(path, config.GetEnvDuration("HISTORY_EVERY", history.DefaultEvery))
		if err != nil {
			log.Error("open history failed", "path", path, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sinks = append(sinks, store)
		hist = store
	}

	if broker := config.GetEnv("MQTT_BROKER", ""); broker != "" {
		em := emitter.NewMQTTEmitter(emitter.Config{
			Broker:   broker,
			ClientID: config.GetEnv("MQTT_CLIENT_ID", "traffic-state"),
			Topic:    config.GetEnv("MQTT_TOPIC", "traffic/snapshots"),
			QoS:      byte(config.GetEnvInt("MQTT_QOS", 0)),
		}, log)
		if err := em.Connect(ctx); err != nil {
			// Snapshots still reach WebSocket subscribers without the broker.
			log.Warn("mqtt unavailable, emitter disabled", "broker", broker, "error", err)
		} else {
			defer func() {
				published, failed := em.Stats()
				log.Info("mqtt emitter stopped", "published", published, "failed", failed)
				em.Close()
			}()
			go em.Run(ctx)
			sinks = append(sinks, em)
		}
	}

	agg := traffic.NewAggregator(reg, traffic.AggregatorOptions{
		Interval:   broadcastEvery,
		Thresholds: thresholds,
		WindowSec:  windowSec,
		Log:        log,
		Metrics:    met,
	}, sinks...)
	go agg.Run(ctx)

	svc := traffic.NewService(reg)
	h := traffic.NewHandler(svc, agg, hist, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetLiveSources(svc.LiveCount()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Health)
	r.Get("/snapshot", h.GetSnapshot)
	r.Get("/ws", hub.ServeHTTP)
	r.Route("/roads", func(r chi.Router) {
		r.Get("/", h.ListRoads)
		r.Post("/", h.AddRoad)
		r.Route("/{road_id}", func(r chi.Router) {
			r.Get("/", h.GetRoad)
			r.Delete("/", h.RemoveRoad)
			r.Post("/start", h.StartRoad)
			r.Post("/stop", h.StopRoad)
			r.Post("/reset", h.ResetCounter)
			r.Put("/line", h.SetLine)
			r.Put("/roi", h.SetROI)
			r.Get("/stats", h.Stats)
			r.Get("/history", h.History)
		})
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"roads", len(roads),
		"window_sec", windowSec,
		"threshold_yellow", thresholds.Yellow,
		"threshold_red", thresholds.Red,
		"broadcast_interval", broadcastEvery.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	cancel()
	hub.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("server stopped")
}

func sourceConfig(rd config.Road) (traffic.SourceConfig, error) {
	disc, err := traffic.ParseDiscipline(rd.Discipline)
	if err != nil {
		return traffic.SourceConfig{}, err
	}
	cfg := traffic.SourceConfig{
		ID:         rd.ID,
		Name:       rd.Name,
		Target:     rd.Video,
		ROI:        traffic.ROI{X1: rd.ROI[0], Y1: rd.ROI[1], X2: rd.ROI[2], Y2: rd.ROI[3]},
		Line:       traffic.DefaultLine,
		Discipline: disc,
	}
	if len(rd.Line) == 4 {
		cfg.Line = traffic.Line{X1: rd.Line[0], Y1: rd.Line[1], X2: rd.Line[2], Y2: rd.Line[3]}
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
