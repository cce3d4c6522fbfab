package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/internal/logger"
	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/manager"
	"github.com/harun/hive/pkg/tools"
)

// DefaultShutdownTimeout bounds Wait's cooperative shutdown
const DefaultShutdownTimeout = 30 * time.Second

// Daemon wires the hive runtime together and owns its lifecycle
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	manager *manager.Manager

	metricsServer *http.Server
	metricsAddr   string
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Agents    map[string]agent.State
}

// New creates the runtime. configPath enables hot reload when non-empty.
func New(cfg *config.Config, configPath string, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Tracing.Exporter != "" && cfg.Tracing.Exporter != tracing.ExporterNone {
		if err := tracing.InitOpenTelemetry(ctx, cfg.Tracing); err != nil {
			clog := log.Component("daemon")
			clog.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			clog := log.Component("daemon")
			clog.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	gen, err := newGenerator(cfg.Provider, base)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	mbCfg := mailbox.Config{
		RateLimit: cfg.Mailbox.RateLimit,
		RateBurst: cfg.Mailbox.RateBurst,
		Logger:    base,
	}
	if cfg.Mailbox.JournalPath != "" {
		journal, err := mailbox.OpenSQLiteJournal(cfg.Mailbox.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open mailbox journal: %w", err)
		}
		mbCfg.Journal = journal
	}
	mb := mailbox.New(mbCfg)

	mgr, err := manager.New(manager.Config{
		Generator: gen,
		Tools:     tools.New(tools.Config{Logger: base}),
		Mailbox:   mb,
		Limits:    LimitsFromConfig(cfg.Runtime),
		Logger:    base,
	})
	if err != nil {
		_ = mb.Close()
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.manager = mgr

	clog := d.logger.Component("daemon")
	clog.Info().
		Str("provider", gen.Name()).
		Int("fallbacks", len(cfg.Provider.Fallback)).
		Bool("journal", cfg.Mailbox.JournalPath != "").
		Msg("Core modules initialized")
	return nil
}

// LimitsFromConfig maps the runtime section onto manager limits
func LimitsFromConfig(rc config.RuntimeConfig) manager.Limits {
	return manager.Limits{
		MaxIterations:       rc.MaxIterations,
		ContinuationTimeout: rc.ContinuationTimeout,
		FailureThreshold:    rc.FailureThreshold,
		MaxTaskRetries:      rc.MaxTaskRetries,
		QueueLimit:          rc.QueueLimit,
		WaitTimeout:         rc.WaitTimeout,
	}
}

// AgentSpecs converts agent definitions into manager specs
func AgentSpecs(agents []config.AgentConfig) ([]manager.AgentSpec, error) {
	specs := make([]manager.AgentSpec, 0, len(agents))
	for _, a := range agents {
		capability, err := continuation.ParseCapability(a.Capability)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		specs = append(specs, manager.AgentSpec{
			ID:            a.ID,
			AutoStart:     a.AutoStart,
			Capability:    capability,
			MaxIterations: a.MaxIterations,
			Timeout:       a.Timeout,
			SystemPrompt:  a.SystemPrompt,
			QueueLimit:    a.QueueLimit,
			Tools:         a.Tools,
			WakeEvents:    a.WakeEvents,
		})
	}
	return specs, nil
}

// Start writes the PID file, creates the configured agents and starts the
// metrics endpoint and the config watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	log := tracing.LoggerFromContext(ctx, d.logger.Component("daemon"))
	log.Info().Msg("Starting hive daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	specs, err := AgentSpecs(d.config.Agents)
	if err != nil {
		d.abortStart()
		return err
	}
	for _, spec := range specs {
		if _, err := d.manager.CreateAgent(ctx, spec); err != nil {
			d.abortStart()
			return fmt.Errorf("failed to create agent %s: %w", spec.ID, err)
		}
	}
	log.Info().Int("agents", len(specs)).Msg("Agents created")

	if d.config.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			d.abortStart()
			return err
		}
	}

	if d.configPath != "" {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnReload: d.reload,
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		} else if err := w.Start(); err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			d.watcher = w
		}
	}

	log.Info().Msg("Hive daemon started")
	return nil
}

func (d *Daemon) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())

	ln, err := net.Listen("tcp", d.config.Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.mu.Lock()
	d.metricsServer = srv
	d.metricsAddr = ln.Addr().String()
	d.mu.Unlock()

	log := d.logger.Component("metrics")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return nil
}

// reload applies a changed config file. Only runtime limits, the mailbox
// rate limit and the log level take effect; the rest needs a restart.
func (d *Daemon) reload(cfg *config.Config) {
	d.manager.ApplyRuntimeConfig(LimitsFromConfig(cfg.Runtime))
	d.manager.Mailbox().SetRateLimit(cfg.Mailbox.RateLimit, cfg.Mailbox.RateBurst)

	log := d.logger.Component("daemon")
	if cfg.Logging.Level != "" && cfg.Logging.Level != d.config.Logging.Level {
		if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid log level")
		}
	}

	d.mu.Lock()
	d.config.Runtime = cfg.Runtime
	d.config.Mailbox.RateLimit = cfg.Mailbox.RateLimit
	d.config.Mailbox.RateBurst = cfg.Mailbox.RateBurst
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	observability.RecordConfigAudit(d.ctx, "reload", "watcher", map[string]interface{}{
		"path":           d.configPath,
		"max_iterations": cfg.Runtime.MaxIterations,
		"rate_limit":     cfg.Mailbox.RateLimit,
	})
	log.Info().Str("path", d.configPath).Msg("Configuration reloaded")
}

func (d *Daemon) abortStart() {
	_ = d.manager.Shutdown(context.Background())
	_ = d.lifecycle.Stop()
	d.setStopped()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts the runtime down in reverse start order. ctx bounds how long
// agents get to finish their current step.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := tracing.LoggerFromContext(tracing.WithTraceID(ctx, tracing.NewTraceID()), d.logger.Component("daemon"))
	log.Info().Msg("Stopping hive daemon")

	var errs []error

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
		d.watcher = nil
	}

	if err := d.manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Agents did not stop in time")
		errs = append(errs, fmt.Errorf("shutdown agents: %w", err))
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
		d.metricsServer = nil
	}
	d.cancel()
	d.wg.Wait()

	if err := d.manager.Mailbox().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close mailbox journal")
	}

	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit log")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Hive daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		clog := d.logger.Component("daemon")
		clog.Warn().Err(err).Msg("Failed to flush traces")
	}
	d.tracingEnabled = false
}

// Status returns daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	states := d.manager.GetAgentStates()
	status.Agents = make(map[string]agent.State, len(states))
	for id, snap := range states {
		status.Agents[id] = snap.State
	}
	return status
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then stops the daemon
func (d *Daemon) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		clog := d.logger.Component("daemon")
		clog.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Manager returns the session manager
func (d *Daemon) Manager() *manager.Manager {
	return d.manager
}

// MetricsAddr returns the address the metrics endpoint listens on, empty
// when metrics are disabled.
func (d *Daemon) MetricsAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metricsAddr
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}
