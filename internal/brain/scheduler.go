package brain

import (
	"context"
	"sort"
	"strings"

	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

// SchedulerLogCap bounds the scheduler run log.
const SchedulerLogCap = 100

// ListTasks returns the registered scheduler tasks sorted by slug.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	sys, err := s.System()
	if err != nil {
		return nil, err
	}
	if sys.Scheduler == nil {
		return nil, nil
	}
	out := make([]*Task, 0, len(sys.Scheduler.Tasks))
	for _, t := range sys.Scheduler.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// AddTask registers a scheduler task. The command string is dispatched
// verbatim by the cron executor.
func (s *Store) AddTask(ctx context.Context, slug, command string) (*Task, error) {
	norm := paths.SanitizeSlugStrict(slug)
	if norm == "" {
		return nil, fault.New(fault.InvalidSlug, "task slug %q is empty after normalization", slug)
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fault.New(fault.InvalidParameter, "task command must not be empty")
	}
	var task *Task
	err := s.MutateSystem(func(b *Brain) error {
		if b.Scheduler == nil {
			b.Scheduler = &SchedulerState{Tasks: map[string]*Task{}}
		}
		if b.Scheduler.Tasks == nil {
			b.Scheduler.Tasks = map[string]*Task{}
		}
		if _, exists := b.Scheduler.Tasks[norm]; exists {
			return fault.New(fault.InvalidParameter, "task %q already exists", norm)
		}
		ts := s.timestamp()
		task = &Task{Slug: norm, Command: command, CreatedAt: ts, UpdatedAt: ts}
		b.Scheduler.Tasks[norm] = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("scheduler.task.added", map[string]any{"task": norm})
	return task, nil
}

// UpdateTask replaces a task's command string.
func (s *Store) UpdateTask(ctx context.Context, slug, command string) (*Task, error) {
	norm := paths.SanitizeSlug(slug)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fault.New(fault.InvalidParameter, "task command must not be empty")
	}
	var task *Task
	err := s.MutateSystem(func(b *Brain) error {
		if b.Scheduler == nil || b.Scheduler.Tasks[norm] == nil {
			return fault.New(fault.NotFound, "task %q not found", norm)
		}
		t := b.Scheduler.Tasks[norm]
		t.Command = command
		t.UpdatedAt = s.timestamp()
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("scheduler.task.updated", map[string]any{"task": norm})
	return task, nil
}

// RemoveTask unregisters a task.
func (s *Store) RemoveTask(ctx context.Context, slug string) error {
	norm := paths.SanitizeSlug(slug)
	err := s.MutateSystem(func(b *Brain) error {
		if b.Scheduler == nil || b.Scheduler.Tasks[norm] == nil {
			return fault.New(fault.NotFound, "task %q not found", norm)
		}
		delete(b.Scheduler.Tasks, norm)
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("scheduler.task.removed", map[string]any{"task": norm})
	return nil
}

// RecordRun appends one cron run to the bounded log and refreshes each
// task's last-run fields from its result.
func (s *Store) RecordRun(ctx context.Context, entry RunEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = s.timestamp()
	}
	err := s.MutateSystem(func(b *Brain) error {
		if b.Scheduler == nil {
			b.Scheduler = &SchedulerState{Tasks: map[string]*Task{}}
		}
		b.Scheduler.Log = append(b.Scheduler.Log, entry)
		if overflow := len(b.Scheduler.Log) - SchedulerLogCap; overflow > 0 {
			b.Scheduler.Log = b.Scheduler.Log[overflow:]
		}
		for _, result := range entry.Results {
			t, ok := b.Scheduler.Tasks[result.Slug]
			if !ok {
				continue
			}
			t.LastRunAt = entry.Timestamp
			t.LastStatus = result.Status
			t.LastMessage = result.Message
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("scheduler.run.recorded", map[string]any{
		"results": len(entry.Results), "duration_ms": entry.DurationMS,
	})
	return nil
}

// RunLog returns the most recent limit run entries, newest last (0 means
// the whole bounded log).
func (s *Store) RunLog(ctx context.Context, limit int) ([]RunEntry, error) {
	sys, err := s.System()
	if err != nil {
		return nil, err
	}
	if sys.Scheduler == nil {
		return nil, nil
	}
	log := sys.Scheduler.Log
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]RunEntry, len(log))
	copy(out, log)
	return out, nil
}
