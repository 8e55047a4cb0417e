package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liling/aoi-agent/internal/events"
)

// Scheduler is a single background loop that delivers reminders as
// they come due. It holds no queue of its own: timing derives entirely
// from the durable task table, so a crash loses nothing.
type Scheduler struct {
	logger  *slog.Logger
	manager *Manager
	bus     *events.Bus
	userID  string

	// idleCap bounds the sleep when no task exists, so an insert whose
	// wakeup signal is somehow lost is still picked up within one cap.
	idleCap time.Duration
	// backoff is the pause after a failed iteration.
	backoff time.Duration
	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
	// done closes when Run returns, so shutdown can wait for the loop.
	done chan struct{}
}

// NewScheduler creates a scheduler delivering to the given user's
// notification channel.
func NewScheduler(logger *slog.Logger, manager *Manager, bus *events.Bus, userID string) *Scheduler {
	return &Scheduler{
		logger:  logger,
		manager: manager,
		bus:     bus,
		userID:  userID,
		idleCap: 30 * time.Second,
		backoff: 5 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Done is closed once Run has exited. Teardown waits on it so the loop
// cannot touch the store after the database begins closing.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run loops until ctx is cancelled. A failure inside one iteration
// logs, backs off, and resumes; the loop never terminates on a
// transient error.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("reminder scheduler started", "idle_cap", s.idleCap)
	for {
		if err := s.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("reminder scheduler stopped")
				return
			}
			s.logger.Error("reminder scheduler iteration failed", "error", err)
			select {
			case <-ctx.Done():
				s.logger.Info("reminder scheduler stopped")
				return
			case <-time.After(s.backoff):
			}
			continue
		}
		if ctx.Err() != nil {
			s.logger.Info("reminder scheduler stopped")
			return
		}
	}
}

// iterate performs one deliver-then-wait cycle. Delivery comes first:
// a wakeup consumed here can never strand an already-due task, because
// the very next thing that happens is a due-task scan.
func (s *Scheduler) iterate(ctx context.Context) error {
	// Clear a stale wakeup. Anything inserted after this point
	// re-fires the signal and interrupts the sleep below.
	select {
	case <-s.manager.Wakeup():
	default:
	}

	due, err := s.manager.DueTasks(s.now())
	if err != nil {
		return fmt.Errorf("due tasks: %w", err)
	}
	for _, t := range due {
		text := fmt.Sprintf("Reminder: %s", t.Description)
		if t.Context != "" {
			text += fmt.Sprintf("\nContext: %s", t.Context)
		}
		s.bus.Publish(events.Remind(s.userID, text))

		if err := s.manager.MarkCompleted(t.ID); err != nil {
			return fmt.Errorf("mark completed %s: %w", t.ID, err)
		}
		s.logger.Info("reminder delivered", "id", t.ID, "due", t.DueTime)
	}

	now := s.now()
	next, err := s.manager.NextDueTime(now)
	if err != nil {
		return fmt.Errorf("next due time: %w", err)
	}

	// Sleep exactly until the next task, capped by idleCap. NextDueTime
	// only returns strictly future times, so wait is always positive.
	wait := s.idleCap
	if next != nil {
		if wait = next.Sub(now); wait > s.idleCap {
			wait = s.idleCap
		}
	} else {
		s.logger.Debug("no pending reminders", "recheck_in", wait)
	}

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-s.manager.Wakeup():
		timer.Stop()
	case <-timer.C:
	}
	return nil
}
