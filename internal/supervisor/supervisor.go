// Package supervisor keeps one worker running per entity record on disk.
package supervisor

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms/factory"
	"github.com/heatpilot/heatpilot/internal/gapfill"
	"github.com/heatpilot/heatpilot/internal/metrics"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/internal/worker"
	"github.com/heatpilot/heatpilot/pkg/config"
)

const (
	rescanInterval = 60 * time.Second
	// Editors write config files in several steps; a short settle delay
	// coalesces the burst of fsnotify events into one reconcile.
	settleDelay = 2 * time.Second
)

// Supervisor reconciles the set of running workers against the entity
// records in the profiles and buildings directories.
type Supervisor struct {
	provider     *config.Provider
	profilesDir  string
	buildingsDir string
	services     worker.Services
	history      gapfill.WeatherHistory
	offset       time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]*runningWorker
}

// runningWorker tracks one spawned worker plus the connection identity
// it was built with, so config edits that invalidate the adapter force
// a restart.
type runningWorker struct {
	worker *worker.Worker
	cancel context.CancelFunc
	wg     sync.WaitGroup

	kind          types.EntityKind
	system        string
	baseURL       string
	host          string
	credentialRef string
}

// New builds a supervisor over the two config directories.
func New(provider *config.Provider, profilesDir, buildingsDir string, services worker.Services, history gapfill.WeatherHistory, offset time.Duration, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		provider:     provider,
		profilesDir:  profilesDir,
		buildingsDir: buildingsDir,
		services:     services,
		history:      history,
		offset:       offset,
		logger:       logger.Named("supervisor"),
		running:      make(map[string]*runningWorker),
	}
}

// Run reconciles immediately, then again every minute and on filesystem
// changes, until the context is cancelled. All workers are stopped
// before Run returns.
func (s *Supervisor) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	watcher := s.watch()
	if watcher != nil {
		defer watcher.Close()
	}

	s.reconcile(ctx)

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	var settle *time.Timer
	var settleC <-chan time.Time
	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.logger.Debugw("Config change detected", "file", ev.Name, "op", ev.Op.String())
			if settle == nil {
				settle = time.NewTimer(settleDelay)
				settleC = settle.C
			} else {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(settleDelay)
			}
		case <-settleC:
			settle = nil
			settleC = nil
			s.reconcile(ctx)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// watch sets up directory watching. A failed watcher is not fatal: the
// periodic rescan still picks changes up, just slower.
func (s *Supervisor) watch() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warnw("Filesystem watching unavailable, relying on periodic rescan", "error", err)
		return nil
	}
	for _, dir := range []string{s.profilesDir, s.buildingsDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			s.logger.Warnw("Cannot watch config directory", "dir", dir, "error", err)
		}
	}
	return watcher
}

// reconcile makes the running set match the records on disk. One broken
// record never affects the other entities.
func (s *Supervisor) reconcile(ctx context.Context) {
	refs, err := s.provider.List()
	if err != nil {
		s.logger.Errorw("Config directory scan failed", "error", err)
		return
	}

	desired := make(map[string]config.EntityRef, len(refs))
	for _, ref := range refs {
		desired[ref.EntityID] = ref
	}

	s.mu.Lock()
	var stale []string
	for id := range s.running {
		if _, ok := desired[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Infow("Entity record removed, stopping worker", "entity", id)
		s.stop(id)
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		s.ensure(ctx, ref)
	}
}

// ensure starts the worker for one record, restarting it when the
// connection identity changed out from under the running adapter.
func (s *Supervisor) ensure(ctx context.Context, ref config.EntityRef) {
	entity, err := s.provider.Load(ref)
	if err != nil {
		s.logger.Errorw("Skipping unreadable entity record", "file", ref.Path, "error", err)
		return
	}
	if err := entity.Validate(); err != nil {
		s.logger.Errorw("Skipping invalid entity record", "file", ref.Path, "error", err)
		return
	}

	s.mu.Lock()
	current, exists := s.running[ref.EntityID]
	s.mu.Unlock()

	if exists {
		if current.kind == ref.Kind &&
			current.system == entity.Connection.System &&
			current.baseURL == entity.Connection.BaseURL &&
			current.host == entity.Connection.Host &&
			current.credentialRef == entity.Connection.CredentialRef {
			return
		}
		s.logger.Infow("Connection changed, restarting worker", "entity", ref.EntityID)
		s.stop(ref.EntityID)
	}

	creds, err := config.ResolveCredentials(entity, "", "")
	if err != nil {
		s.logger.Errorw("Entity has no usable credentials", "entity", ref.EntityID, "error", err)
		return
	}

	adapter, err := factory.New(entity, creds, s.logger)
	if err != nil {
		s.logger.Errorw("Cannot build BMS adapter", "entity", ref.EntityID, "error", err)
		return
	}

	w := worker.New(ref, entity, adapter, s.services, s.offset, s.logger)
	if s.history != nil {
		w.SetWeatherHistory(s.history)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	rw := &runningWorker{
		worker:        w,
		cancel:        cancel,
		kind:          ref.Kind,
		system:        entity.Connection.System,
		baseURL:       entity.Connection.BaseURL,
		host:          entity.Connection.Host,
		credentialRef: entity.Connection.CredentialRef,
	}

	s.mu.Lock()
	s.running[ref.EntityID] = rw
	s.mu.Unlock()

	s.logger.Infow("Starting worker",
		"entity", ref.EntityID,
		"kind", ref.Kind,
		"system", entity.Connection.System)

	rw.wg.Add(1)
	go w.Run(workerCtx, &rw.wg)
}

// stop cancels one worker and waits for it to release its session.
func (s *Supervisor) stop(entityID string) {
	s.mu.Lock()
	rw, ok := s.running[entityID]
	if ok {
		delete(s.running, entityID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rw.cancel()
	rw.wg.Wait()
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.logger.Infow("Stopping all workers", "count", len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.stop(id)
		}(id)
	}
	wg.Wait()
}

// WorkerStatuses implements metrics.StatusSource for /healthz.
func (s *Supervisor) WorkerStatuses() []metrics.WorkerStatus {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.running))
	for _, rw := range s.running {
		workers = append(workers, rw.worker)
	}
	s.mu.Unlock()

	statuses := make([]metrics.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].EntityID < statuses[j].EntityID
	})
	return statuses
}
