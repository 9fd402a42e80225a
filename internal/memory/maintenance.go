package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Maintenance runs periodic upkeep for a Service: retention, and failing back
// to the primary backend once it is healthy again.
type Maintenance struct {
	cron          *cron.Cron
	svc           *Service
	retentionDays int
	tasks         []task
}

type task struct {
	name string
	fn   func(context.Context)
}

// NewMaintenance registers the upkeep job on a 5-field cron schedule
// (e.g. "*/5 * * * *").
func NewMaintenance(svc *Service, schedule string, retentionDays int) (*Maintenance, error) {
	m := &Maintenance{
		cron:          cron.New(),
		svc:           svc,
		retentionDays: retentionDays,
	}
	if _, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		m.RunOnce(ctx)
	}); err != nil {
		return nil, fmt.Errorf("registering maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// RunOnce performs one upkeep pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	switched, err := m.svc.PreferPrimary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory_failback_failed")
	}
	if switched {
		log.Info().Str("backend", m.svc.ActiveBackend()).Msg("memory_failback_completed")
	}
	RunRetention(ctx, m.svc, m.retentionDays)
	for _, t := range m.tasks {
		if ctx.Err() != nil {
			return
		}
		t.fn(ctx)
		log.Debug().Str("task", t.name).Msg("maintenance_task_completed")
	}
}

// AddTask appends fn to every upkeep pass. Call before Start.
func (m *Maintenance) AddTask(name string, fn func(context.Context)) {
	m.tasks = append(m.tasks, task{name: name, fn: fn})
}

// Start begins executing the schedule.
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered jobs.
func (m *Maintenance) Entries() int {
	return len(m.cron.Entries())
}
