package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harunnryd/callorch/pkg/api"
	"github.com/harunnryd/callorch/pkg/config"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/ledger"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/orchestrator"
	"github.com/harunnryd/callorch/pkg/policy"
	"github.com/harunnryd/callorch/pkg/prompt"
	"github.com/harunnryd/callorch/pkg/retrieval"
	"github.com/harunnryd/callorch/pkg/selector"
	"github.com/harunnryd/callorch/pkg/store/postgres"
	"github.com/harunnryd/callorch/pkg/store/sqlite"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
	"github.com/harunnryd/callorch/pkg/transports/twilio"
)

// Persistence is everything the orchestrator keeps in the application database.
type Persistence interface {
	ledger.Store
	metadata.Store
	transcript.Store
	orchestrator.Memory
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore connects the configured store driver and verifies it answers.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (Persistence, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// App is the composed service: Twilio webhooks and the operator API on one echo server,
// the session manager behind them, and the ledger reaper.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      Persistence
	transport  *twilio.Transport
	manager    *orchestrator.Manager
	reaper     *ledger.Reaper
	transcript *transcript.Logger
	observer   *metrics.AsyncObserver
	metricsOut io.Closer
	echo       *echo.Echo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	observer, err := a.buildObserver()
	if err != nil {
		return nil, err
	}

	a.store, err = OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := selector.NewRegistry()
	if err := RegisterProviders(reg, cfg.Providers, logger); err != nil {
		return nil, err
	}
	sel := selector.New(reg, cfg.Providers.Selector, observer, logger)

	var retriever *retrieval.Retriever
	var summary prompt.Summarizer
	if cfg.Retrieval.Enabled() {
		embedder := retrieval.NewOpenAIEmbedder(cfg.Retrieval.EmbeddingAPIKey, cfg.Retrieval.EmbeddingBaseURL, cfg.Retrieval.EmbeddingModel)
		retriever = retrieval.New(retrieval.NewPinecone(cfg.Retrieval.PineconeAPIKey, embedder), cfg.Retrieval.Config, observer, logger)
		summary = retriever
	} else {
		logger.Warn("retrieval_disabled", "reason", "pinecone or embedding key not configured")
	}

	pack, err := prompt.LoadPack(cfg.Prompt.PackPath)
	if err != nil {
		return nil, err
	}

	var engine *policy.Engine
	if cfg.Policy.Enabled {
		if engine, err = policy.LoadEngine(ctx, cfg.Policy.Path); err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
	}

	var web tools.WebSearcher
	if strings.TrimSpace(cfg.Tools.TavilyAPIKey) != "" {
		web = tools.NewTavily(cfg.Tools.TavilyAPIKey)
	}
	var mcp *tools.MCPConnector
	if cfg.Tools.MCP.Enabled {
		mcp = tools.NewMCPConnector(cfg.Tools.MCP, nil, logger)
	}

	sinks := []transcript.Sink{transcript.NewStoreSink(a.store)}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		sinks = append(sinks, transcript.NewKafkaSink(cfg.Events.Kafka))
	}
	a.transcript = transcript.New(cfg.Events.Config, sinks, logger)

	a.transport = twilio.New(cfg.Twilio, logger)
	ledgerClient := ledger.NewClient(a.store, cfg.Ledger, logger)

	a.manager = orchestrator.NewManager(orchestrator.Config{
		AdmissionTimeout:   cfg.Timeouts.Admission,
		CreditTimeout:      cfg.Timeouts.Credit,
		MediaAttachTimeout: cfg.Timeouts.MediaAttach,
		GracePeriod:        cfg.Timeouts.Grace,
		SettleTimeout:      cfg.Timeouts.Settle,
		Retain:             cfg.Timeouts.Retain,
		MaxHandoffs:        cfg.Handoff.MaxAttempts,
		Driver:             cfg.Driver,
	}, orchestrator.Deps{
		Resolver:   metadata.NewResolver(a.store, cfg.Metadata, logger),
		Ledger:     ledgerClient,
		Retriever:  retriever,
		Assembler:  prompt.NewAssembler(pack, summary, logger),
		Selector:   sel,
		Handoff:    handoff.NewCoordinator(a.transport, cfg.Handoff, observer, logger),
		Policy:     engine,
		Memory:     a.store,
		Web:        web,
		MCP:        mcp,
		Transcript: a.transcript,
		Announcer:  a.transport,
		Media:      a.transport,
		Observer:   observer,
		Logger:     logger,
	})
	a.transport.Bind(a.manager, a.manager)
	a.reaper = ledger.NewReaper(ledgerClient, a.manager, observer, logger)

	a.echo = echo.New()
	a.echo.HideBanner = true
	a.echo.HidePort = true
	a.echo.Use(middleware.Recover())
	a.echo.Use(requestLogger(logger))
	api.NewHandler(a.manager, twilio.NewDialer(cfg.Twilio), logger).RegisterRoutes(a.echo)
	api.Mount(a.echo, a.transport.Handler(), a.transport.Paths())

	ok = true
	return a, nil
}

func (a *App) buildObserver() (metrics.Observer, error) {
	path := strings.TrimSpace(a.cfg.Metrics.JSONLPath)
	if path == "" {
		return metrics.NoopObserver{}, nil
	}
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		a.metricsOut = f
		w = f
	}
	a.observer = metrics.NewAsyncObserver(metrics.NewJSONLObserver(w), a.cfg.Metrics.Buffer)
	return a.observer, nil
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	httpLogger := logging.NewComponentLogger(logger, "http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				httpLogger.Warn("http_request", append(attrs, "error", v.Error)...)
				return nil
			}
			httpLogger.Debug("http_request", attrs...)
			return nil
		},
	})
}

func (a *App) Handler() http.Handler { return a.echo }

func (a *App) Manager() *orchestrator.Manager { return a.manager }

// Start binds the listener and starts the background loops. It returns once the
// listener is bound.
func (a *App) Start(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	a.echo.Listener = ln

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.manager.Serve(loopCtx, a.transport.Recv())
	}()
	go func() {
		defer a.wg.Done()
		a.reaper.Run(loopCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.echo.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http_server_failed", "error", err)
		}
	}()
	a.logger.Info("callorch_started", append([]any{"addr", ln.Addr().String()}, flatten(a.transport.ReadyFields())...)...)
	return nil
}

// Drain refuses new calls, waits for live calls within ctx, then stops the listener and
// the background loops. Live calls still settle when ctx ends first.
func (a *App) Drain(ctx context.Context) error {
	a.logger.Info("drain_started", "live", a.manager.Live())
	err := a.manager.Drain(ctx)

	settle := a.cfg.Timeouts.Settle
	if settle <= 0 {
		settle = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	if a.echo != nil {
		if serr := a.echo.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("http_shutdown_failed", "error", serr)
		}
	}
	_ = a.transport.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("drain_finished", "error", err)
	return err
}

// Close flushes the event sinks and releases the store.
func (a *App) Close() {
	if a.transcript != nil {
		if err := a.transcript.Close(); err != nil {
			a.logger.Warn("transcript_close_failed", "error", err)
		}
	}
	if a.observer != nil {
		a.observer.Close()
		a.observer.Wait()
		if n := a.observer.Dropped(); n > 0 {
			a.logger.Warn("metrics_events_dropped", "count", n)
		}
	}
	if a.metricsOut != nil {
		_ = a.metricsOut.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Serve runs the service until SIGINT or SIGTERM, then drains within cfg.DrainTimeout.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	app, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := NewLifecycleRunner(app, Hooks{OnStart: app.Start}, cfg.DrainTimeout)
	err = r.Run(ctx)
	if errors.Is(err, ErrDrainTimeout) {
		logger.Warn("drain_timeout", "timeout", cfg.DrainTimeout.String())
		return nil
	}
	return err
}

func flatten(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
