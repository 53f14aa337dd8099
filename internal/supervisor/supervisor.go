// Package supervisor implements the C11 supervisor loop: the single
// long-lived MTProto connection, the realtime/scheduler ensure-ticks, and
// the priority-ordered task claim-and-spawn cycle that drives every other
// component in this service: telegram.Options/tgupdates.Manager wiring and
// a connect-retry-wrapped client.Run main loop driving a mirroring daemon's
// claim/tick loop.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
	"golang.org/x/sync/errgroup"

	"github.com/kurtskinny/mirrorsync/internal/chatservice"
	"github.com/kurtskinny/mirrorsync/internal/infra/clock"
	"github.com/kurtskinny/mirrorsync/internal/infra/config"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/infra/telegram/peersmgr"
	"github.com/kurtskinny/mirrorsync/internal/lru"
	"github.com/kurtskinny/mirrorsync/internal/realtime"
	"github.com/kurtskinny/mirrorsync/internal/schedulers"
	"github.com/kurtskinny/mirrorsync/internal/settings"
	"github.com/kurtskinny/mirrorsync/internal/store"
	"github.com/kurtskinny/mirrorsync/internal/store/postgres"
	"github.com/kurtskinny/mirrorsync/internal/tasks"
	"github.com/kurtskinny/mirrorsync/internal/workers/history"
	"github.com/kurtskinny/mirrorsync/internal/workers/resolve"
	"github.com/kurtskinny/mirrorsync/internal/workers/retry"
)

const (
	tickIdleSleep   = time.Second
	tickBusySleep   = 200 * time.Millisecond
	heartbeatPeriod = 30 * time.Second
)

// Supervisor owns the MTProto connection and the main tick loop. It is
// constructed once per process and Run blocks until ctx is cancelled.
type Supervisor struct {
	db       *postgres.DB
	settings *settings.Cache
	peers    *peersmgr.Service
	chat     *chatservice.Client

	client *telegram.Client
	api    *tg.Client
	updMgr *tgupdates.Manager

	realtimeMgr   *realtime.Manager
	ensurer       *schedulers.Ensurer
	lifecycle     *tasks.Lifecycle
	claimer       *tasks.Claimer
	resolveWorker *resolve.Worker
	historyWorker *history.Worker
	retryWorker   *retry.Worker

	startRetryIntervalSec int

	startedAt         time.Time
	heartbeatInFlight atomic.Bool
	lastHeartbeat     time.Time

	mu      sync.Mutex
	running map[int64]int64 // sourceChannelID -> taskID, excludes realtime subscriptions
	subbed  map[int64]bool  // sourceChannelID -> currently subscribed to realtime

	tasksGroup *errgroup.Group
}

// New wires every component the supervisor drives together. The MTProto
// client is constructed (but not connected) synchronously: telegram.NewClient
// never dials, so api/peers/chat are all available before Run is called.
func New(env config.EnvConfig, db *postgres.DB) (*Supervisor, error) {
	settingsCache := settings.New(db)

	dedupe, err := lru.New()
	if err != nil {
		return nil, fmt.Errorf("supervisor: build dedupe caches: %w", err)
	}

	dispatch := tg.NewUpdateDispatcher()
	updMgr := tgupdates.New(tgupdates.Config{
		Handler: &dispatch,
		Storage: newFileStateStorage(env.UpdateStateFile),
	})

	sessionStore := newDBSessionStorage(db, env.EncryptionSecret)

	client := telegram.NewClient(env.APIID, env.APIHash, telegram.Options{
		SessionStorage: sessionStore,
		UpdateHandler:  updMgr,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(updMgr.Handle),
		},
		OnDead: func() {
			logger.Warn("supervisor: MTProto connection reported dead, awaiting reconnect")
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "mirrorsync-worker",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	})
	api := client.API()

	peers, err := peersmgr.New(api, env.PeersDBPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open peer cache: %w", err)
	}

	chat := chatservice.New(api, peers)

	vals := settingsCache.Get(context.Background())
	realtimeMgr := realtime.New(db, chat, settingsCache, dedupe, vals.MediaGroupBufferMs)

	lifecycle := tasks.New(db)

	s := &Supervisor{
		db:                    db,
		settings:              settingsCache,
		peers:                 peers,
		chat:                  chat,
		client:                client,
		api:                   api,
		updMgr:                updMgr,
		realtimeMgr:           realtimeMgr,
		ensurer: schedulers.New(db, chat, settingsCache,
			env.HealthcheckEnabled, env.HealthcheckIntervalSec, env.HealthcheckBatchSize, env.HealthcheckRefreshSec),
		lifecycle:             lifecycle,
		claimer:               tasks.NewClaimer(db),
		resolveWorker:         resolve.New(db, api, chat, dedupe, env.AutoAdminIDs, env.MirrorTitlePrefix),
		historyWorker:         history.New(db, lifecycle, chat, settingsCache, dedupe, env.FloodWaitMaxSec, env.MaxCommentsPerPost, env.SyncComments),
		retryWorker:           retry.New(db, lifecycle, chat, settingsCache),
		startRetryIntervalSec: env.StartRetryIntervalS,
		running:               make(map[int64]int64),
		subbed:                make(map[int64]bool),
	}

	realtimeMgr.RegisterHandlers(&dispatch)

	return s, nil
}

// Run blocks until ctx is cancelled: it loads the stored session, connects
// with transient retry, requeues crash-orphaned running tasks, emits a
// "started" event, and drives the main tick loop until shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	present, err := s.hasStoredSession(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: check stored session: %w", err)
	}
	if !present {
		return fmt.Errorf("supervisor: no telegram session configured; authenticate via the operator web UI first")
	}

	s.startedAt = clock.Now()
	g := new(errgroup.Group)
	s.tasksGroup = g

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.startRetryIntervalSec) * time.Second
	bo.MaxInterval = time.Duration(s.startRetryIntervalSec) * 4 * time.Second
	bo.MaxElapsedTime = 0 // retry indefinitely; only ctx cancellation or a fatal-config error stops us

	runErr := backoff.Retry(func() error {
		err := s.client.Run(ctx, func(ctx context.Context) error {
			return s.runConnected(ctx)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil && chatservice.Classify(err).Kind == chatservice.KindFatalConfig {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Warnf("supervisor: connection attempt failed, retrying: %v", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))

	_ = g.Wait() // let in-flight claimed tasks finish draining before returning
	if ctx.Err() != nil {
		// Shutdown: put tasks the drained workers left running back to pending.
		rqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := s.db.RequeueRunningTasks(rqCtx); err != nil {
			logger.Warnf("supervisor: requeue running tasks on shutdown failed: %v", err)
		} else if n > 0 {
			logger.Infof("supervisor: requeued %d running task(s) on shutdown", n)
		}
		cancel()
	}
	if runErr != nil && ctx.Err() != nil {
		return nil
	}
	return runErr
}

// hasStoredSession reports whether the "telegram_session" setting row has
// ever been written, without decrypting it — gotd re-reads and decrypts the
// same row itself via SessionStorage once client.Run starts.
func (s *Supervisor) hasStoredSession(ctx context.Context) (bool, error) {
	raw, err := s.db.GetSetting(ctx, sessionSettingKey)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// runConnected executes once the MTProto connection is up and authorized:
// the pre-loop housekeeping, then the tick loop until ctx is done.
func (s *Supervisor) runConnected(ctx context.Context) error {
	status, err := s.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		return fmt.Errorf("supervisor: stored session is not authorized; re-authenticate via the web UI")
	}

	if err := s.peers.LoadFromStorage(ctx); err != nil {
		logger.Warnf("supervisor: load peer cache failed: %v", err)
	}
	if err := s.peers.RefreshDialogs(ctx, s.api); err != nil {
		logger.Warnf("supervisor: initial dialog refresh failed: %v", err)
	}

	if n, err := s.db.RequeueRunningTasks(ctx); err != nil {
		logger.Warnf("supervisor: requeue running tasks failed: %v", err)
	} else if n > 0 {
		logger.Infof("supervisor: requeued %d running task(s) after restart", n)
	}

	if err := s.db.RecordEvent(ctx, store.EventLevelInfo, "mirror service started", nil); err != nil {
		logger.Warnf("supervisor: record start event failed: %v", err)
	}

	s.realtimeMgr.Start(ctx)
	s.writeHeartbeat(ctx)

	ticker := time.NewTicker(tickBusySleep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			claimed := s.tick(ctx)
			s.maybeHeartbeat(ctx)
			if claimed {
				ticker.Reset(tickBusySleep)
			} else {
				ticker.Reset(tickIdleSleep)
			}
		}
	}
}

// tick advances the realtime subscription set and the scheduler ensures,
// then claims and spawns as many tasks as capacity allows. Reports whether
// anything was claimed this tick (the caller uses this for sleep cadence).
func (s *Supervisor) tick(ctx context.Context) bool {
	s.ensurer.Tick(ctx)
	s.syncRealtimeSubscriptions(ctx)

	vals := s.settings.Get(ctx)
	s.mu.Lock()
	running := make([]int64, 0, len(s.running))
	for sourceID := range s.running {
		running = append(running, sourceID)
	}
	s.mu.Unlock()

	claimed, err := s.claimer.ClaimUpTo(ctx, vals.MaxConcurrentTasks, running)
	if err != nil {
		logger.Warnf("supervisor: claim tasks failed: %v", err)
		return false
	}
	for _, task := range claimed {
		s.spawn(ctx, task)
	}
	return len(claimed) > 0
}

// spawn runs a claimed task on the shared task group, tracking it as
// occupying its source's exclusivity slot for the task's lifetime.
func (s *Supervisor) spawn(ctx context.Context, task *store.SyncTask) {
	s.mu.Lock()
	s.running[task.SourceChannelID] = task.ID
	s.mu.Unlock()

	s.tasksGroup.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.running, task.SourceChannelID)
			s.mu.Unlock()
		}()

		var err error
		switch task.TaskType {
		case store.TaskTypeResolve:
			if err = s.resolveWorker.Run(ctx, task.SourceChannelID); err != nil {
				_ = s.lifecycle.Fail(ctx, task.ID, err.Error())
			} else {
				_ = s.lifecycle.Complete(ctx, task.ID)
			}
		case store.TaskTypeHistoryFull:
			err = s.historyWorker.Run(ctx, task.ID)
		case store.TaskTypeRetryFailed:
			err = s.retryWorker.Run(ctx, task.ID)
		default:
			err = fmt.Errorf("supervisor: unknown task type %q", task.TaskType)
		}
		if err != nil {
			logger.Warnf("supervisor: task %d (%s, source %d) ended with error: %v",
				task.ID, task.TaskType, task.SourceChannelID, err)
		}
		return nil // worker errors are already recorded via the lifecycle mutators; never fail the group
	})
}

// syncRealtimeSubscriptions keeps the realtime manager's live subscription
// set aligned with active sources: every active source not
// already subscribed is (re-)checked for eligibility and subscribed;
// inactive sources are dropped.
func (s *Supervisor) syncRealtimeSubscriptions(ctx context.Context) {
	sources, err := s.db.ListActiveSources(ctx)
	if err != nil {
		logger.Warnf("supervisor: list active sources for realtime sync failed: %v", err)
		return
	}

	active := make(map[int64]bool, len(sources))
	for _, src := range sources {
		active[src.ID] = true
		s.mu.Lock()
		already := s.subbed[src.ID]
		s.mu.Unlock()
		if already {
			continue
		}
		eligible, err := s.realtimeMgr.Eligible(ctx, src.ID)
		if err != nil {
			logger.Warnf("supervisor: eligibility check for source %d failed: %v", src.ID, err)
			continue
		}
		if !eligible {
			continue
		}
		if err := s.realtimeMgr.Subscribe(ctx, src.ID); err != nil {
			logger.Warnf("supervisor: subscribe source %d to realtime failed: %v", src.ID, err)
			continue
		}
		s.mu.Lock()
		s.subbed[src.ID] = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	var stale []int64
	for sourceID := range s.subbed {
		if !active[sourceID] {
			stale = append(stale, sourceID)
			delete(s.subbed, sourceID)
		}
	}
	s.mu.Unlock()

	for _, sourceID := range stale {
		s.realtimeMgr.Unsubscribe(sourceID)
	}
}

// maybeHeartbeat writes the heartbeat once on start (already done in
// runConnected) and thereafter every heartbeatPeriod, skipping a write if a
// previous one is still in flight.
func (s *Supervisor) maybeHeartbeat(ctx context.Context) {
	if clock.Now().Sub(s.lastHeartbeat) < heartbeatPeriod {
		return
	}
	s.writeHeartbeat(ctx)
}

func (s *Supervisor) writeHeartbeat(ctx context.Context) {
	if !s.heartbeatInFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.heartbeatInFlight.Store(false)
		hb := store.Heartbeat{LastHeartbeatAt: clock.Now(), StartedAt: s.startedAt, PID: os.Getpid()}
		if err := s.db.WriteHeartbeat(ctx, hb); err != nil {
			logger.Warnf("supervisor: write heartbeat failed: %v", err)
			return
		}
		s.lastHeartbeat = clock.Now()
	}()
}
