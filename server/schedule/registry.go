// Package schedule implements the recurring-schedule execution engine: a
// registry of live cron timers reconciled against the persisted set of
// enabled schedules.
package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentloom/agentloom/server/cronexpr"
	"github.com/agentloom/agentloom/server/execution"
	"github.com/agentloom/agentloom/server/observability"
	"github.com/agentloom/agentloom/server/store"
	"github.com/agentloom/agentloom/server/streaming"
)

// ErrScheduleNotFound is returned by RunNow for an unknown schedule id.
var ErrScheduleNotFound = errors.New("Schedule not found")

// reconcileEvery is the cadence at which armed timers are aligned with the
// persisted schedule set. A deleted or disabled schedule loses its timer
// within one interval.
const reconcileEvery = "@every 1m"

// dispatchTimeout bounds a single scheduled workflow run.
const dispatchTimeout = 5 * time.Minute

// armedEntry tracks one live timer and the expression it was armed with, so
// reconcile can detect in-place edits and re-arm.
type armedEntry struct {
	entryID  cron.EntryID
	expr     string
	timezone string
}

// Registry manages the cron timers for all enabled schedules. One Registry
// is constructed at process start and owns a single cron runner; per-entry
// CRON_TZ specs let schedules in different timezones share it.
type Registry struct {
	store      store.Store
	dispatcher execution.Dispatcher
	publisher  streaming.Publisher
	cron       *cron.Cron
	now        func() time.Time

	mu       sync.Mutex
	armed    map[string]armedEntry // scheduleID -> live timer
	inFlight map[string]bool       // scheduleID -> dispatch running

	reconciling atomic.Bool
	running     bool
}

// NewRegistry wires the registry to its collaborators.
func NewRegistry(st store.Store, dispatcher execution.Dispatcher, publisher streaming.Publisher) *Registry {
	return &Registry{
		store:      st,
		dispatcher: dispatcher,
		publisher:  publisher,
		cron:       cron.New(),
		now:        time.Now,
		armed:      make(map[string]armedEntry),
		inFlight:   make(map[string]bool),
	}
}

// Start loads the enabled schedules, arms their timers and begins the
// 60-second reconciliation loop.
func (r *Registry) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		log.Println("schedule registry already running")
		return nil
	}
	r.running = true
	r.mu.Unlock()

	log.Println("starting schedule registry")
	r.reconcile()

	if _, err := r.cron.AddFunc(reconcileEvery, r.reconcile); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron runner. No fire starts after Stop returns; a dispatch
// already in flight is allowed to complete naturally.
func (r *Registry) Stop() {
	log.Println("stopping schedule registry")

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
		log.Println("schedule registry stop timeout; in-flight fires left to finish")
	}

	r.mu.Lock()
	r.armed = make(map[string]armedEntry)
	r.running = false
	r.mu.Unlock()
	observability.SchedulesArmed.Set(0)
}

// reconcile aligns armed timers with the persisted set of enabled schedules.
// Passes never interleave; a tick arriving while a pass is running is
// skipped, not queued.
func (r *Registry) reconcile() {
	if !r.reconciling.CompareAndSwap(false, true) {
		observability.ReconcileSkipped.Inc()
		return
	}
	defer r.reconciling.Store(false)

	start := r.now()
	defer func() {
		observability.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedules, err := r.store.ListEnabledSchedules(ctx)
	if err != nil {
		log.Printf("reconcile: failed to list enabled schedules: %v", err)
		return
	}

	desired := make(map[string]*store.Schedule, len(schedules))
	for _, s := range schedules {
		desired[s.ID] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Disarm timers whose schedule is gone, disabled, or edited in place.
	for id, entry := range r.armed {
		s, ok := desired[id]
		if ok && s.CronExpression == entry.expr && s.Timezone == entry.timezone {
			continue
		}
		r.cron.Remove(entry.entryID)
		delete(r.armed, id)
		if ok {
			log.Printf("re-arming schedule %s: expression or timezone changed", id)
		} else {
			log.Printf("disarming schedule %s: removed or disabled", id)
		}
	}

	// Arm enabled schedules that have no live timer.
	for id, s := range desired {
		if _, ok := r.armed[id]; !ok {
			r.armLocked(s)
		}
	}

	observability.SchedulesArmed.Set(float64(len(r.armed)))
}

// armLocked installs a timer for the schedule. Invalid expressions are
// logged and skipped, never fatal; the schedule stays unarmed until fixed.
// Caller holds r.mu.
func (r *Registry) armLocked(s *store.Schedule) {
	if !cronexpr.Validate(s.CronExpression) {
		log.Printf("skipping schedule %s: invalid cron expression %q", s.ID, s.CronExpression)
		return
	}

	scheduleID := s.ID
	entryID, err := r.cron.AddFunc(cronexpr.Spec(s.CronExpression, s.Timezone), func() {
		r.fire(scheduleID)
	})
	if err != nil {
		log.Printf("failed to arm schedule %s (%q): %v", s.ID, s.CronExpression, err)
		return
	}

	r.armed[s.ID] = armedEntry{entryID: entryID, expr: s.CronExpression, timezone: s.Timezone}
	log.Printf("armed schedule %s for workflow %s (%q tz=%s)", s.ID, s.WorkflowID, s.CronExpression, s.Timezone)
}

// fire executes one scheduled run. A fire that arrives while the previous
// dispatch for the same schedule is still running is dropped with a warning.
// Dispatch failures are logged and never tear the timer down.
func (r *Registry) fire(scheduleID string) {
	r.mu.Lock()
	if r.inFlight[scheduleID] {
		r.mu.Unlock()
		log.Printf("skipping fire for schedule %s: previous dispatch still running", scheduleID)
		observability.ScheduledFires.WithLabelValues("skipped_busy").Inc()
		return
	}
	r.inFlight[scheduleID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, scheduleID)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	s, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		log.Printf("fire: failed to load schedule %s: %v", scheduleID, err)
		return
	}
	if s == nil || !s.Enabled {
		// Deleted or disabled since arming; the next reconcile pass disarms.
		observability.ScheduledFires.WithLabelValues("schedule_missing").Inc()
		return
	}

	wf, err := r.store.GetWorkflow(ctx, s.WorkflowID)
	if err != nil {
		log.Printf("fire: failed to load workflow %s: %v", s.WorkflowID, err)
		return
	}
	if wf == nil {
		// Aborts this firing only; the schedule stays armed.
		log.Printf("fire: workflow %s not found for schedule %s", s.WorkflowID, s.ID)
		observability.ScheduledFires.WithLabelValues("workflow_missing").Inc()
		return
	}

	log.Printf("executing scheduled workflow %s", s.WorkflowID)
	result, dispatchErr := r.dispatcher.ExecuteWorkflow(ctx, s.WorkflowID, map[string]any{})
	if dispatchErr != nil {
		log.Printf("scheduled execution failed for workflow %s: %v", s.WorkflowID, dispatchErr)
		observability.ScheduledFires.WithLabelValues("dispatch_failed").Inc()
	} else {
		observability.ScheduledFires.WithLabelValues("dispatched").Inc()
		if r.publisher != nil {
			r.publisher.Publish(ctx, streaming.TopicScheduleFired, result.ExecutionID, map[string]any{
				"schedule_id": s.ID,
				"workflow_id": s.WorkflowID,
			})
		}
	}

	// lastRun records the attempt whether or not the dispatch succeeded; a
	// failed execution must not block future fires.
	if err := r.store.UpdateScheduleLastRun(ctx, s.ID, r.now()); err != nil {
		log.Printf("failed to update last run for schedule %s: %v", s.ID, err)
	}
}

// RunNow fires the schedule immediately, outside its cron cadence. Used by
// the admin surface and tests.
func (r *Registry) RunNow(ctx context.Context, scheduleID string) error {
	s, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrScheduleNotFound
	}
	r.fire(scheduleID)
	return nil
}

// IsArmed reports whether the schedule currently holds a live timer.
func (r *Registry) IsArmed(scheduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.armed[scheduleID]
	return ok
}

// ArmedCount returns the number of live timers.
func (r *Registry) ArmedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.armed)
}
