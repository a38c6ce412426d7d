package daemon

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/monoco-io/monoco/internal/config"
	"github.com/monoco-io/monoco/internal/daemon/api"
	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/git"
	"github.com/monoco-io/monoco/internal/hook"
	"github.com/monoco-io/monoco/internal/infrastructure/sqlite"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/mailbox"
	"github.com/monoco-io/monoco/internal/registry"
	"github.com/monoco-io/monoco/internal/router"
	"github.com/monoco-io/monoco/internal/scheduler"
	"github.com/monoco-io/monoco/internal/stats"
	"github.com/monoco-io/monoco/internal/tracing"
	"github.com/monoco-io/monoco/internal/transition"
	"github.com/monoco-io/monoco/internal/watcher"
)

// Daemon is the assembled monoco server.
type Daemon struct {
	cfg config.Config

	bus        *events.Bus
	tracer     *tracing.Provider
	db         *sqlite.DB
	recorder   *stats.Recorder
	sched      *scheduler.Scheduler
	rtr        *router.Router
	core       *transition.Core
	hooks      *hook.Engine
	store      *mailbox.Store
	claims     *mailbox.Claims
	adapters   *mailbox.AdapterRegistry
	dispatcher *mailbox.Dispatcher
	watchers   []watcher.Watcher
	server     *api.Server

	started time.Time
}

// New wires every component from the configuration. The HTTP listener is
// bound here; Run only starts serving.
func New(cfg config.Config) (*Daemon, error) {
	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()

	db, err := sqlite.Open(cfg.StatsDB())
	if err != nil {
		return nil, err
	}
	repo := sqlite.NewStatsRepository(db)

	hooks := hook.NewEngine(hook.Options{
		ProjectRoot: cfg.ProjectRoot,
		SyncTimeout: cfg.Hooks.SyncTimeout,
		Bus:         bus,
	})
	// Discovery order matters: later directories shadow earlier ids.
	for _, dir := range append([]string{config.UserHooksDir(), cfg.ProjectHooksDir()}, cfg.Hooks.ExtraDirs...) {
		if err := hooks.LoadDir(dir); err != nil {
			return nil, err
		}
	}

	gitx := git.NewRealExecutor(cfg.ProjectRoot)
	core := transition.NewCore(transition.Options{
		IssuesRoot:   cfg.IssuesDir(),
		ProjectRoot:  cfg.ProjectRoot,
		WorktreesDir: cfg.WorktreesDir(),
		Trunk:        cfg.Trunk,
		Tracer:       tracer.Tracer(),
	}, gitx, hooks)

	sched := scheduler.New(bus, scheduler.Options{
		SessionsDir: cfg.SessionsDir(),
		WorkDir:     cfg.ProjectRoot,
		Roles:       rolePolicies(cfg.Roles),
	})

	rtr := router.New(bus, 0)
	rtr.BindAll(router.DefaultBindings(sched, cfg.MemoInbox(), cfg.Mailbox.BotName))

	store := mailbox.NewStore(cfg.MailboxDir())
	policy := retryPolicy(cfg.Mailbox)
	claims := mailbox.NewClaims(store, policy)
	adapters := mailbox.NewAdapterRegistry()
	dispatcher := mailbox.NewDispatcher(mailbox.DispatcherConfig{
		Store:    store,
		Registry: adapters,
		Policy:   policy,
		Bus:      bus,
		Interval: cfg.Mailbox.PollInterval,
	})

	watchOpts := watcher.Options{
		Debounce:       cfg.Watch.Debounce,
		PollInterval:   cfg.Watch.PollInterval,
		MailboxQuiet:   cfg.Watch.MailboxQuiet,
		MailboxCeiling: cfg.Watch.MailboxCeiling,
	}
	watchers := []watcher.Watcher{
		watcher.NewIssueWatcher(cfg.IssuesDir(), bus, watchOpts),
		watcher.NewMemoWatcher(cfg.MemoInbox(), bus, watchOpts),
		watcher.NewTaskWatcher(cfg.TasksFile(), bus, watchOpts),
		watcher.NewMailboxInboundWatcher(store, bus, watchOpts),
	}

	started := time.Now()
	service := stats.NewService(repo, sched, store, cfg.IssuesDir(), started)

	server, err := api.NewServer(api.ServerConfig{
		Host:          cfg.Daemon.Host,
		BasePort:      cfg.Daemon.BasePort,
		PortScanRange: cfg.Daemon.PortScanRange,
		Handler: api.NewHandler(api.HandlerConfig{
			Core:      core,
			Scheduler: sched,
			Stats:     service,
			Bus:       bus,
			Claims:    claims,
			Store:     store,
			Adapters:  adapters,
			Projects:  registry.New(config.InventoryPath()),
			IssueRoot: cfg.IssuesDir(),
		}),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		bus:        bus,
		tracer:     tracer,
		db:         db,
		recorder:   stats.NewRecorder(bus, repo),
		sched:      sched,
		rtr:        rtr,
		core:       core,
		hooks:      hooks,
		store:      store,
		claims:     claims,
		adapters:   adapters,
		dispatcher: dispatcher,
		watchers:   watchers,
		server:     server,
		started:    started,
	}, nil
}

// Adapters exposes the courier adapter registry so embedders can plug
// provider codecs in before Run.
func (d *Daemon) Adapters() *mailbox.AdapterRegistry { return d.adapters }

// Port returns the bound HTTP port.
func (d *Daemon) Port() int { return d.server.Port() }

// Run starts every component and blocks until ctx cancels, then shuts the
// daemon down within the configured grace period.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.checkPIDFile(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.sched.Start(runCtx); err != nil {
		return err
	}
	for _, w := range d.watchers {
		if err := w.Start(runCtx); err != nil {
			return err
		}
	}
	log.SafeGo("router.run", func() { d.rtr.Run(runCtx) })
	log.SafeGo("stats.recorder", func() { d.recorder.Run(runCtx) })
	d.dispatcher.Start(runCtx)

	rec := PIDRecord{
		PID:       os.Getpid(),
		Host:      d.server.Host(),
		Port:      d.server.Port(),
		StartedAt: d.started,
	}
	if err := WritePIDFile(d.cfg.PIDFile(), rec); err != nil {
		return err
	}

	events.Publish(d.bus, events.DaemonState{
		Topic: events.TopicDaemonStarted,
		PID:   rec.PID,
		Host:  rec.Host,
		Port:  rec.Port,
	})
	log.Info(log.CatDaemon, "daemon started",
		"pid", rec.PID, "host", rec.Host, "port", rec.Port, "project", d.cfg.ProjectRoot)

	serveErr := make(chan error, 1)
	log.SafeGo("api.serve", func() { serveErr <- d.server.Start() })

	select {
	case <-ctx.Done():
		d.shutdown()
		return nil
	case err := <-serveErr:
		d.shutdown()
		return err
	}
}

// shutdown stops components in reverse dependency order.
func (d *Daemon) shutdown() {
	events.Publish(d.bus, events.DaemonState{
		Topic: events.TopicDaemonStopping,
		PID:   os.Getpid(),
		Host:  d.server.Host(),
		Port:  d.server.Port(),
	})
	log.Info(log.CatDaemon, "daemon stopping")

	grace := d.cfg.Daemon.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := d.server.Stop(stopCtx); err != nil {
		log.Warn(log.CatDaemon, "api shutdown incomplete", "error", err)
	}
	for _, w := range d.watchers {
		w.Stop()
	}
	d.dispatcher.Stop()
	d.sched.Stop()
	d.bus.Close()

	if err := d.db.Close(); err != nil {
		log.Warn(log.CatDaemon, "stats db close failed", "error", err)
	}
	if err := d.tracer.Shutdown(stopCtx); err != nil {
		log.Warn(log.CatDaemon, "tracer shutdown failed", "error", err)
	}
	if err := RemovePIDFile(d.cfg.PIDFile()); err != nil {
		log.Warn(log.CatDaemon, "pid file removal failed", "error", err)
	}
	log.Info(log.CatDaemon, "daemon stopped")
}

// checkPIDFile refuses to start over a live instance; stale records are
// replaced silently.
func (d *Daemon) checkPIDFile() error {
	rec, err := ReadPIDFile(d.cfg.PIDFile())
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil
		}
		// Malformed records are stale by definition.
		log.Warn(log.CatDaemon, "replacing unreadable pid file", "error", err)
		return nil
	}
	if rec.Alive() {
		return fault.Newf(fault.Fatal,
			"daemon already running (pid %d, port %d)", rec.PID, rec.Port)
	}
	return nil
}

// rolePolicies lowers the config role table into scheduler policies. Role
// names are case-insensitive; the router dispatches lowercase.
func rolePolicies(roles map[string]config.RoleConfig) map[string]scheduler.RolePolicy {
	if len(roles) == 0 {
		roles = config.DefaultRoles()
	}
	out := make(map[string]scheduler.RolePolicy, len(roles))
	for name, rc := range roles {
		out[strings.ToLower(name)] = scheduler.RolePolicy{
			Quota:     rc.Quota,
			QueueSize: rc.QueueSize,
			Timeout:   rc.Timeout,
			Engine:    rc.Engine,
			Model:     rc.Model,
			Env:       rc.Env,
		}
	}
	return out
}

// retryPolicy lowers the mailbox config into the courier policy.
func retryPolicy(mc config.MailboxConfig) mailbox.RetryPolicy {
	policy := mailbox.DefaultRetryPolicy()
	if mc.RetryBase > 0 {
		policy.Base = mc.RetryBase
	}
	if mc.RetryFactor > 0 {
		policy.Factor = mc.RetryFactor
	}
	if mc.RetryJitter > 0 {
		policy.Jitter = mc.RetryJitter
	}
	if mc.RetryCap > 0 {
		policy.Cap = mc.RetryCap
	}
	if mc.MaxRetries > 0 {
		policy.MaxRetries = mc.MaxRetries
	}
	return policy
}
