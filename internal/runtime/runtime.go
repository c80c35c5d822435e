package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/arcc/internal/audio"
	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/caption"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/eventstore"
	"github.com/loqalabs/arcc/internal/feed"
	"github.com/loqalabs/arcc/internal/natsserver"
	"github.com/loqalabs/arcc/internal/overlay"
	"github.com/loqalabs/arcc/internal/presence"
	"github.com/loqalabs/arcc/internal/protocol"
	"github.com/loqalabs/arcc/internal/stt"
	"github.com/loqalabs/arcc/internal/video"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	presence *presence.Registry
	store    *eventstore.Store
	holder   *caption.Holder
	feed     *feed.Feed
	stt      *stt.Service
	renderer *overlay.Renderer
	source   video.Source
	latest   *video.LatestSink
	pipeline *video.Pipeline
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the caption node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/caption", r.handleCaption)
	mux.Handle("/frame.jpg", r.latest)
	if r.presence != nil {
		mux.Handle("/nodes", r.presence)
	}
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pipeline.Run(ctx); err != nil {
			r.logger.Error("video pipeline failed", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.STT.Enabled && r.cfg.STT.Source == "wav" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			src := audio.NewFileSource(r.cfg.STT, r.logger)
			err := src.Run(ctx, func(frame protocol.AudioFrame) error {
				r.stt.Accept(frame)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("wav source failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.cfg.Bus.Enabled {
		if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
			return err
		}
		busCfg := r.cfg.Bus
		if url := r.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return err
		}
		roles := presence.RolesFromConfig(r.cfg)
		if r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, roles, r.bus, r.logger); err != nil {
			return err
		}
	}

	if r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.holder = caption.NewHolder(caption.ExpiryPolicy{
		MaxDisplay: time.Duration(r.cfg.Caption.MaxDisplayTimeS) * time.Second,
		Precise:    r.cfg.Caption.PreciseExpiry,
	}, caption.WithErrorText(r.cfg.Caption.ErrorText))

	sessionID := uuid.NewString()
	source := r.cfg.STT.Source
	if !r.cfg.STT.Enabled {
		source = "remote"
	}
	if err := r.store.StartSession(ctx, sessionID, source); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}
	if r.feed, err = feed.New(r.holder, r.store, sessionID, r.logger); err != nil {
		return err
	}
	if r.cfg.Caption.ListenBus {
		if err := r.feed.Subscribe(r.bus); err != nil {
			return err
		}
	}

	var recognizer stt.Recognizer
	if r.cfg.STT.Enabled {
		if recognizer, err = stt.NewRecognizer(r.cfg.STT); err != nil {
			return err
		}
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.feed, r.logger)
	if err := r.stt.Start(); err != nil {
		return err
	}

	style, err := overlay.StyleFromConfig(r.cfg.Caption)
	if err != nil {
		return err
	}
	var fontOpts []overlay.Option
	if r.cfg.Caption.FontPath != "" {
		fontOpts = append(fontOpts, overlay.WithFontFile(r.cfg.Caption.FontPath))
	}
	if r.renderer, err = overlay.NewRenderer(style, fontOpts...); err != nil {
		return err
	}

	if r.source, err = video.NewSource(r.cfg.Video, r.logger); err != nil {
		return err
	}
	r.latest = video.NewLatestSink(r.cfg.Video.JPEGQuality)
	sink := video.MultiSink{r.latest}
	if r.cfg.Video.OutputDir != "" {
		dirSink, err := video.NewDirSink(r.cfg.Video.OutputDir)
		if err != nil {
			return err
		}
		sink = append(sink, dirSink)
	}

	var position *image.Point
	if anchor := r.cfg.Caption.Anchor; len(anchor) == 2 {
		position = &image.Point{X: anchor[0], Y: anchor[1]}
	}
	r.pipeline, err = video.NewPipeline(r.source, sink, r.renderer, r.holder, video.PipelineOptions{
		FPS:      r.cfg.Video.FPS,
		Position: position,
		Logger:   r.logger,
	})
	return err
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// shutdown stops whatever was started, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.stt != nil {
		r.stt.Close()
	}
	r.wg.Wait()

	if r.source != nil {
		if err := r.source.Close(); err != nil {
			r.logger.Warn("video source close error", slog.String("error", err.Error()))
		}
	}
	if r.renderer != nil {
		_ = r.renderer.Close()
	}
	if r.feed != nil {
		r.feed.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := !r.cfg.Bus.Enabled || (r.bus.Healthy() && r.presence.Healthy())
	if r.ready.Load() && busOK && r.stt.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type captionView struct {
	Text         string         `json:"text"`
	RecognizedAt *time.Time     `json:"recognized_at,omitempty"`
	SessionID    string         `json:"session_id"`
	History      []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleCaption(w http.ResponseWriter, req *http.Request) {
	current := r.holder.Current()
	view := captionView{Text: current.Text, SessionID: r.feed.SessionID()}
	if !current.RecognizedAt.IsZero() {
		at := current.RecognizedAt.UTC()
		view.RecognizedAt = &at
	}

	events, err := r.store.Recent(req.Context(), 10)
	if err != nil {
		r.logger.Warn("failed to load caption history", slog.String("error", err.Error()))
	}
	for _, evt := range events {
		payload, err := evt.Decode()
		if err != nil {
			continue
		}
		view.History = append(view.History, historyEntry{
			Type:      evt.Type,
			Text:      payload.Text,
			Error:     payload.Error,
			CreatedAt: evt.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		r.logger.Warn("failed to write caption response", slog.String("error", err.Error()))
	}
}
