package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	coreDB "github.com/AzielCF/az-publisher/core/database"
	domainPublication "github.com/AzielCF/az-publisher/domains/publication"
	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/domains/ratelimit"
	"github.com/AzielCF/az-publisher/domains/recovery"
	"github.com/AzielCF/az-publisher/infrastructure/metrics"
	"github.com/AzielCF/az-publisher/infrastructure/notify"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	"github.com/AzielCF/az-publisher/integrations/platform"
	"github.com/AzielCF/az-publisher/pkg/breaker"
	"github.com/AzielCF/az-publisher/pkg/jobmonitor"
	"github.com/AzielCF/az-publisher/pkg/retry"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/AzielCF/az-publisher/repository"
	"github.com/AzielCF/az-publisher/ui/websocket"
	"github.com/AzielCF/az-publisher/usecase"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckInterval = time.Minute
	eventHistorySize    = 500
	performanceSamples  = 5000
)

// engine holds every long-lived service of one node.
type engine struct {
	cfg      *config.Config
	serverID string

	vk   *valkey.Client
	amqp *notify.AMQPNotifier

	adapters     *platform.Registry
	queue        *usecase.QueueManager
	recovery     *usecase.RecoveryService
	rates        *usecase.RateLimitMonitor
	sessions     *usecase.SessionMonitor
	perf         *usecase.PerformanceCollector
	health       *usecase.HealthService
	publications *usecase.PublicationService
	worker       *usecase.DelegationWorker
	events       *jobmonitor.Monitor
}

type stores struct {
	queue     queue.Store
	incidents recovery.IncidentStore
	state     recovery.StateStore
	snapshots ratelimit.SnapshotStore
}

// buildEngine wires the services from cfg. Nothing runs until start.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{
		cfg:      cfg,
		serverID: utils.GetPersistentServerID(cfg.App.ServerID, cfg.Paths.Storages),
	}

	st, err := e.openStores(ctx)
	if err != nil {
		return nil, err
	}

	pubs, err := e.openPublications(ctx)
	if err != nil {
		e.close()
		return nil, err
	}

	notifier, err := e.buildNotifier()
	if err != nil {
		e.close()
		return nil, err
	}

	opts := make([]platform.Options, 0, len(cfg.Platforms))
	limits := make(map[string]ratelimit.Limits, len(cfg.Platforms))
	workerPlatforms := make(map[string]usecase.PlatformSettings, len(cfg.Platforms))
	for _, name := range cfg.PlatformNames() {
		p := cfg.Platforms[name]
		opts = append(opts, platform.Options{Platform: name, BaseURL: p.URL, Token: p.Token, Timeout: p.Timeout})
		limits[name] = p.Limits
		workerPlatforms[name] = usecase.PlatformSettings{Concurrency: p.Concurrency, Timeout: p.Timeout, SessionBased: p.SessionBased}
	}
	e.adapters = platform.NewHTTPRegistry(opts)

	e.queue = usecase.NewQueueManager(st.queue, usecase.QueueOptions{
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Retry:              retry.Policy{Base: cfg.Queue.RetryBase, Max: cfg.Queue.RetryMax, Multiplier: 2, JitterFactor: 0.1},
		PromoteInterval:    cfg.Queue.PromoteInterval,
		PromoteBatch:       cfg.Queue.PromoteBatch,
		LeaseTimeout:       cfg.Queue.LeaseTimeout,
	}, e.adapters.Platforms())

	e.recovery = usecase.NewRecoveryService(usecase.RecoveryOptions{
		Breaker: breaker.Config{
			FailureThreshold: cfg.Recovery.FailureThreshold,
			Cooldown:         cfg.Recovery.Cooldown,
			MaxCooldown:      cfg.Recovery.MaxCooldown,
			Multiplier:       2,
			MinDwell:         cfg.Recovery.MinDwell,
			ProbeTimeout:     cfg.Recovery.ProbeTimeout,
			StableAfter:      cfg.Recovery.StableAfter,
		},
		Interval:       cfg.Recovery.Interval,
		MaxActionTries: cfg.Recovery.MaxActionTries,
		MaxAttempts:    cfg.Recovery.MaxAttempts,
		ProbeRetries:   cfg.Recovery.ProbeRetries,
	}, e.adapters, st.incidents, st.state, notifier)

	e.rates = usecase.NewRateLimitMonitor(limits, st.snapshots, cfg.RateLimit.WarnRatio)
	e.sessions = usecase.NewSessionMonitor(e.adapters, cfg.Session.ExpiryWarning)
	e.perf = usecase.NewPerformanceCollector(cfg.Performance.Retention, performanceSamples)
	e.events = jobmonitor.New(eventHistorySize, cfg.Performance.Retention)

	for _, name := range cfg.PlatformNames() {
		p := cfg.Platforms[name]
		if !p.SessionBased {
			continue
		}
		for _, account := range p.Accounts {
			e.sessions.Register(name, account)
		}
	}

	e.sessions.SetReporter(e.recovery)
	e.recovery.SetSessionRefresher(e.sessions)
	e.recovery.SetThrottleChecker(e.rates)
	e.queue.SetReporter(e.recovery)
	e.queue.AddObserver(metrics.JobObserver{})
	e.queue.AddObserver(e.events)
	e.queue.AddObserver(websocket.JobEvents{})

	e.worker = usecase.NewDelegationWorker(usecase.WorkerOptions{
		OwnerPrefix:        e.serverID,
		PollInterval:       cfg.Worker.PollInterval,
		MaxBackoff:         cfg.Worker.MaxBackoff,
		DefaultTimeout:     cfg.Worker.DefaultTimeout,
		DefaultConcurrency: cfg.Worker.DefaultConcurrency,
		Platforms:          workerPlatforms,
	}, e.queue, e.adapters, e.rates, e.sessions, e.recovery, usecase.NewClassifier(), e.perf)
	e.queue.SetWakeFunc(e.worker.Wake)

	e.health = usecase.NewHealthService(e.adapters, usecase.HealthSources{
		Recovery:    e.recovery,
		Rates:       e.rates,
		Sessions:    e.sessions,
		Performance: e.perf,
		Queue:       e.queue,
	}, healthCheckInterval, cfg.Performance.Window)
	e.publications = usecase.NewPublicationService(pubs, e.queue, e.adapters)

	logrus.WithFields(logrus.Fields{
		"server_id": e.serverID,
		"platforms": len(cfg.Platforms),
		"valkey":    e.vk != nil,
	}).Info("[APP] Engine initialized")
	return e, nil
}

func (e *engine) openStores(ctx context.Context) (stores, error) {
	db := e.cfg.Database
	if !db.ValkeyEnabled {
		logrus.Warn("[APP] Valkey disabled, queue and recovery state are kept in memory")
		state := repository.NewMemoryStateStore()
		return stores{
			queue:     repository.NewMemoryQueueStore(),
			incidents: repository.NewMemoryIncidentStore(e.cfg.Recovery.KeepResolved),
			state:     state,
			snapshots: state,
		}, nil
	}

	client, err := valkey.NewClient(valkey.Config{
		Address:   db.ValkeyAddress,
		Password:  db.ValkeyPassword,
		DB:        db.ValkeyDB,
		KeyPrefix: db.ValkeyKeyPrefix,
		Cluster:   db.ValkeyCluster,
	})
	if err != nil {
		return stores{}, fmt.Errorf("failed to connect to valkey at %s: %w", db.ValkeyAddress, err)
	}
	e.vk = client
	websocket.SetValkeyClient(client, e.serverID)

	state := repository.NewValkeyStateStore(client)
	return stores{
		queue:     repository.NewValkeyQueueStore(client),
		incidents: repository.NewValkeyIncidentStore(client),
		state:     state,
		snapshots: state,
	}, nil
}

func (e *engine) openPublications(ctx context.Context) (domainPublication.Repository, error) {
	db, err := coreDB.NewDatabase(e.cfg)
	if err != nil {
		return nil, err
	}
	repo := repository.NewPublicationGormRepository(db)
	if err := repo.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate publications: %w", err)
	}
	return repo, nil
}

func (e *engine) buildNotifier() (recovery.Notifier, error) {
	if e.cfg.Notify.AMQPURL == "" {
		return notify.LogNotifier{}, nil
	}
	n, err := notify.DialAMQP(e.cfg.Notify.AMQPURL, e.cfg.Notify.AMQPExchange)
	if err != nil {
		return nil, err
	}
	e.amqp = n
	return notify.Multi{notify.LogNotifier{}, n}, nil
}

// start restores persisted state and runs the background loops until ctx is
// done. The delegation worker only runs when withWorkers is set.
func (e *engine) start(ctx context.Context, withWorkers bool) *errgroup.Group {
	if err := e.rates.Restore(ctx); err != nil {
		logrus.WithError(err).Warn("[APP] Failed to restore rate limit snapshots")
	}
	if err := e.recovery.Restore(ctx); err != nil {
		logrus.WithError(err).Warn("[APP] Failed to restore recovery state")
	}

	g, gctx := errgroup.WithContext(ctx)
	run := func(fn func(context.Context)) {
		g.Go(func() error {
			fn(gctx)
			return nil
		})
	}
	run(e.queue.Run)
	run(e.recovery.Run)
	run(func(ctx context.Context) { e.rates.Run(ctx, e.cfg.RateLimit.FlushInterval) })
	run(func(ctx context.Context) { e.sessions.Run(ctx, e.cfg.Session.CheckInterval) })
	run(func(ctx context.Context) { e.perf.Run(ctx, time.Minute) })
	run(websocket.RunHub)
	e.health.StartPeriodicChecks(gctx)

	if withWorkers {
		e.worker.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			e.worker.Stop()
			return nil
		})
	}
	return g
}

// close flushes state and releases connections.
func (e *engine) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if e.recovery != nil {
		if err := e.recovery.Flush(ctx); err != nil {
			logrus.WithError(err).Warn("[APP] Failed to flush recovery state")
		}
	}
	if e.amqp != nil {
		if err := e.amqp.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Failed to close AMQP channel")
		}
	}
	if err := coreDB.Close(); err != nil {
		logrus.WithError(err).Warn("[APP] Failed to close database")
	}
	if e.vk != nil {
		e.vk.Close()
	}
	logrus.Info("[APP] Application stopped cleanly.")
}
