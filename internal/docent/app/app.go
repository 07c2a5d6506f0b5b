// Package app assembles Docent: session storage, the Matrix client, the
// documentation retrieval library, the answer engine, and the conversation
// core, plus process lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docentlabs/docent/internal/docent/convo"
	"github.com/docentlabs/docent/internal/docent/engine"
	"github.com/docentlabs/docent/internal/docent/platform"
	"github.com/docentlabs/docent/internal/docent/profile"
	"github.com/docentlabs/docent/internal/docent/retrieval"
	"github.com/docentlabs/docent/internal/docent/sessions"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string
	Matrix       platform.Config

	// ProfilePath points to the YAML assistant profile. Empty uses the
	// compiled-in defaults.
	ProfilePath string

	// Expiry is how long an idle conversation lives before the reaper
	// retires it. Zero uses the reaper default (120 s).
	Expiry time.Duration
	// ReapInterval is the reaper scan cadence. Zero uses the default (5 s).
	ReapInterval time.Duration

	// OpenAIAPIKey authenticates both the answer engine and the query
	// embedder.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	QdrantURL    string
	QdrantAPIKey string

	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). Empty disables it.
	HTTPAddr string

	// ShutdownGrace bounds how long shutdown waits for in-flight turns
	// before retiring everything. Defaults to 15 s.
	ShutdownGrace time.Duration
}

// App is the assembled Docent application.
type App struct {
	config       *Config
	logger       *slog.Logger
	store        *sessions.Store
	matrix       *platform.Client
	registry     *convo.Registry
	router       *convo.Router
	reaper       *convo.Reaper
	healthServer *HealthServer
}

// registryStatus adapts the registry to the health server.
type registryStatus struct {
	registry *convo.Registry
}

func (r registryStatus) ActiveConversations() int { return r.registry.Len() }

// New assembles the application. Nothing starts until Run.
func New(config *Config) (*App, error) {
	logger := slog.Default()

	prof, err := profile.Load(config.ProfilePath)
	if err != nil {
		return nil, err
	}

	logger.Info("opening database", "path", config.DatabasePath)
	store, err := sessions.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	logger.Info("connecting to Matrix", "homeserver", config.Matrix.Homeserver)
	matrixClient, err := platform.New(config.Matrix, platform.NewSyncStore(store), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize Matrix client: %w", err)
	}

	// Retrieval: one embedder and one Qdrant client shared by all tools.
	embedder := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:  config.OpenAIAPIKey,
		BaseURL: config.OpenAIBaseURL,
	})
	qdrant := retrieval.NewQdrantClient(retrieval.QdrantConfig{
		URL:    config.QdrantURL,
		APIKey: config.QdrantAPIKey,
	})
	tools := make([]retrieval.Tool, len(prof.Tools))
	specs := make([]engine.ToolSpec, len(prof.Tools))
	for i, t := range prof.Tools {
		tools[i] = retrieval.Tool{Name: t.Name, Description: t.Description, Collections: t.Collections}
		specs[i] = engine.ToolSpec{Name: t.Name, Description: t.Description}
	}
	library := retrieval.NewLibrary(embedder, qdrant, tools, 0, logger)

	eng := engine.NewOpenAI(engine.Config{
		APIKey:       config.OpenAIAPIKey,
		BaseURL:      config.OpenAIBaseURL,
		Model:        config.OpenAIModel,
		SystemPrompt: prof.SystemPrompt,
		Tools:        specs,
		Logger:       logger,
	}, library)

	registry := convo.NewRegistry()
	notifier := platform.NewNotifier(matrixClient, logger)
	router := convo.NewRouter(convo.RouterConfig{
		Registry: registry,
		Engine:   eng,
		Notifier: notifier,
		Store:    store,
		Sinks: func(key convo.Key) convo.EventSink {
			return platform.NewThreadSink(matrixClient, key, logger)
		},
		Logger:           logger,
		Greeting:         prof.Greeting,
		RestoredGreeting: prof.RestoredGreeting,
		BusyPhrases:      prof.BusyPhrases,
	})
	reaper := convo.NewReaper(registry, convo.ReaperConfig{
		Expiry:   config.Expiry,
		Interval: config.ReapInterval,
	}, logger)

	a := &App{
		config:   config,
		logger:   logger,
		store:    store,
		matrix:   matrixClient,
		registry: registry,
		router:   router,
		reaper:   reaper,
	}
	if config.HTTPAddr != "" {
		a.healthServer = NewHealthServer(config.HTTPAddr, registryStatus{registry: registry})
	}
	return a, nil
}

// Run starts everything and blocks until an interrupt signal, then drains
// and retires all live conversations before returning.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.logger.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.router.HandleEvent, a.handleReaction); err != nil {
		return fmt.Errorf("start Matrix client: %w", err)
	}

	go a.reaper.Run(ctx)

	a.logger.Info("docent is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	a.shutdown()
	return nil
}

// shutdown stops intake first, then drains: no new events, reaper off, every
// remaining conversation persisted and retired.
func (a *App) shutdown() {
	a.matrix.Stop()
	a.reaper.Stop()

	grace := a.config.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	retired := a.router.RetireAll(ctx, grace)
	a.logger.Info("conversations retired at shutdown", "count", retired)
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	if a.healthServer != nil {
		a.healthServer.Stop()
	}
	a.logger.Info("closing database")
	a.store.Close()
}

// handleReaction records a thumbs reaction as feedback against the
// conversation's first question and latest answer.
func (a *App) handleReaction(ctx context.Context, key convo.Key, score int) {
	prompt, response := a.exchangeFor(ctx, key)
	if response == "" {
		a.logger.Debug("reaction for conversation with no answers; ignored", "key", key.String())
		return
	}
	if err := a.store.SaveFeedback(ctx, sessions.Feedback{
		Key:      key,
		Score:    score,
		Prompt:   prompt,
		Response: response,
	}); err != nil {
		a.logger.Warn("feedback save failed", "key", key.String(), "err", err)
		return
	}
	a.logger.Info("feedback recorded", "key", key.String(), "score", score)
}

// exchangeFor returns the first user prompt and the latest assistant answer
// for a thread, preferring the live conversation and falling back to the
// persisted session.
func (a *App) exchangeFor(ctx context.Context, key convo.Key) (prompt, response string) {
	var turns []convo.Turn
	if conv, ok := a.registry.Find(key); ok {
		turns = conv.Turns()
	} else if sess, err := a.store.Load(ctx, key); err == nil {
		for _, r := range sess.Records {
			turns = append(turns, convo.Turn{Role: r.Role, Text: r.Text})
		}
	}
	for _, t := range turns {
		switch t.Role {
		case convo.RoleUser:
			if prompt == "" {
				prompt = t.Text
			}
		case convo.RoleAssistant:
			response = t.Text
		}
	}
	return prompt, response
}
