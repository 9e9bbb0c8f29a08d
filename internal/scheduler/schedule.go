package scheduler

import (
	"fmt"
	"time"

	"github.com/roach88/replicant/internal/registry"
)

// State is the scheduling state of one replicable object.
type State string

const (
	StateNone      State = "none"
	StateScheduled State = "scheduled"
	StateStarted   State = "started"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
)

// Schedule holds the backoff bookkeeping for one replicable object.
type Schedule struct {
	Key   registry.Key
	State State

	// Pending is set when there is work the last attempt has not covered.
	Pending    bool
	HardFailed bool
	RetryCount int
	LastError  string

	LastUpdateScheduledAt  *time.Time
	LastUpdateStartedAt    *time.Time
	LastUpdateAt           *time.Time
	LastSuccessfulUpdateAt *time.Time
	NextExecutionAt        time.Time
}

// NewSchedule returns an idle schedule for key.
func NewSchedule(key registry.Key) Schedule {
	return Schedule{Key: key, State: StateNone}
}

// TriggerType enumerates the inputs of Transition.
type TriggerType int

const (
	// TriggerMarkPending records new work without changing state.
	TriggerMarkPending TriggerType = iota + 1
	// TriggerSchedule picks the object for an attempt.
	TriggerSchedule
	// TriggerStart enters the started state.
	TriggerStart
	// TriggerFinish leaves started after a successful attempt.
	TriggerFinish
	// TriggerFail leaves started after a failed attempt.
	TriggerFail
	// TriggerSkip leaves started because another worker holds the lease.
	TriggerSkip
	// TriggerRunNow is the manual override that re-primes a schedule.
	TriggerRunNow
	// TriggerRecover returns a schedule orphaned by a crash mid-attempt to
	// the pool.
	TriggerRecover
)

func (t TriggerType) String() string {
	switch t {
	case TriggerMarkPending:
		return "mark_pending"
	case TriggerSchedule:
		return "schedule"
	case TriggerStart:
		return "start"
	case TriggerFinish:
		return "finish"
	case TriggerFail:
		return "fail"
	case TriggerSkip:
		return "skip"
	case TriggerRunNow:
		return "run_now"
	case TriggerRecover:
		return "recover"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Trigger is one input to the state machine.
type Trigger struct {
	Type TriggerType

	// Elapsed is the duration of the attempt that just ended.
	Elapsed time.Duration

	// Reason describes a failure.
	Reason string

	// Fatal marks a failure that retrying cannot fix. The schedule is hard
	// failed at once.
	Fatal bool
}

// CommandType enumerates side effects requested by Transition.
type CommandType int

const (
	// CommandReschedule asks the caller to run the object again at At.
	CommandReschedule CommandType = iota + 1
	// CommandNotifyHardFailed fires once when retries are exhausted.
	CommandNotifyHardFailed
	// CommandReleaseCapacity returns the attempt's capacity slot.
	CommandReleaseCapacity
)

// Command is a side effect for the caller to execute.
type Command struct {
	Type CommandType
	At   time.Time
}

// TransitionError reports a trigger that is not valid in the current state.
type TransitionError struct {
	Key     registry.Key
	State   State
	Trigger TriggerType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("schedule %s: cannot %s from state %s", e.Key, e.Trigger, e.State)
}

// Transition computes the next schedule and the commands the caller must run.
// It performs no I/O.
func Transition(s Schedule, tr Trigger, now time.Time, p Params) (Schedule, []Command, error) {
	invalid := func() (Schedule, []Command, error) {
		return s, nil, &TransitionError{Key: s.Key, State: s.State, Trigger: tr.Type}
	}

	switch tr.Type {
	case TriggerMarkPending:
		s.Pending = true
		s.NextExecutionAt = later(s.NextExecutionAt, now)
		return s, nil, nil

	case TriggerSchedule:
		if s.State == StateScheduled || s.State == StateStarted || s.HardFailed {
			return invalid()
		}
		s.State = StateScheduled
		s.LastUpdateScheduledAt = &now
		return s, nil, nil

	case TriggerStart:
		if s.State != StateScheduled {
			return invalid()
		}
		s.State = StateStarted
		s.Pending = false
		s.LastUpdateStartedAt = &now
		return s, nil, nil

	case TriggerFinish:
		if s.State != StateStarted {
			return invalid()
		}
		s.State = StateFinished
		s.RetryCount = 0
		s.LastError = ""
		s.LastUpdateAt = &now
		s.LastSuccessfulUpdateAt = &now
		s.NextExecutionAt = later(s.NextExecutionAt, now.Add(p.Delay(tr.Elapsed, 1)))
		return s, []Command{
			{Type: CommandReleaseCapacity},
			{Type: CommandReschedule, At: s.NextExecutionAt},
		}, nil

	case TriggerFail:
		if s.State != StateStarted {
			return invalid()
		}
		s.State = StateFailed
		s.Pending = true
		s.RetryCount++
		s.LastError = tr.Reason
		s.LastUpdateAt = &now
		s.NextExecutionAt = later(s.NextExecutionAt, now.Add(p.Delay(tr.Elapsed, s.RetryCount)))
		cmds := []Command{{Type: CommandReleaseCapacity}}
		if (s.RetryCount >= p.MaxRetries || tr.Fatal) && !s.HardFailed {
			s.HardFailed = true
			cmds = append(cmds, Command{Type: CommandNotifyHardFailed})
		}
		if !s.HardFailed {
			cmds = append(cmds, Command{Type: CommandReschedule, At: s.NextExecutionAt})
		}
		return s, cmds, nil

	case TriggerSkip:
		if s.State != StateStarted {
			return invalid()
		}
		s.State = StateNone
		s.Pending = true
		s.NextExecutionAt = later(s.NextExecutionAt, now.Add(p.Min))
		return s, []Command{
			{Type: CommandReleaseCapacity},
			{Type: CommandReschedule, At: s.NextExecutionAt},
		}, nil

	case TriggerRunNow:
		if s.State != StateStarted {
			s.State = StateNone
		}
		s.Pending = true
		s.HardFailed = false
		s.RetryCount = 0
		s.NextExecutionAt = now
		return s, []Command{{Type: CommandReschedule, At: now}}, nil

	case TriggerRecover:
		if s.State != StateScheduled && s.State != StateStarted {
			return invalid()
		}
		s.State = StateNone
		s.Pending = true
		s.NextExecutionAt = later(s.NextExecutionAt, now)
		return s, []Command{{Type: CommandReschedule, At: s.NextExecutionAt}}, nil
	}

	return invalid()
}

// later keeps next_execution monotonic.
func later(prev, candidate time.Time) time.Time {
	if candidate.Before(prev) {
		return prev
	}
	return candidate
}
