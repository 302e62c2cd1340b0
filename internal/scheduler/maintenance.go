package scheduler

import (
	"context"
	"errors"
)

// Job names registered by RegisterMaintenance.
const (
	JobRestraintMonitor = "restraint-monitor"
	JobDelaySweep       = "delay-sweep"
	JobDeadlineSweep    = "deadline-sweep"
	JobInterruptDrain   = "interrupt-drain"
	JobPlanPurge        = "plan-purge"
)

// RestraintMonitor promotes blocked restraint claims.
type RestraintMonitor interface {
	Tick(ctx context.Context) (int, error)
}

// DelaySweeper fires durable delays that are due.
type DelaySweeper interface {
	FireDueDelays(ctx context.Context, limit int) (int, error)
}

// InterruptProcessor drains pending interrupts and expires overdue waits.
type InterruptProcessor interface {
	Drain(ctx context.Context, limit int) (int, error)
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// PlanPurger removes plan executions past their validity.
type PlanPurger interface {
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// MaintenanceConfig holds the schedule of each maintenance job. An empty
// spec disables the job.
type MaintenanceConfig struct {
	RestraintMonitor string `mapstructure:"restraint_monitor"`
	DelaySweep       string `mapstructure:"delay_sweep"`
	DeadlineSweep    string `mapstructure:"deadline_sweep"`
	InterruptDrain   string `mapstructure:"interrupt_drain"`
	PlanPurge        string `mapstructure:"plan_purge"`
	BatchSize        int    `mapstructure:"batch_size"`
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RestraintMonitor: "@every 5s",
		DelaySweep:       "@every 1s",
		DeadlineSweep:    "@every 5s",
		InterruptDrain:   "@every 2s",
		PlanPurge:        "@hourly",
		BatchSize:        100,
	}
}

// Maintainers are the components the maintenance jobs drive. Nil members
// skip their jobs.
type Maintainers struct {
	Restraints RestraintMonitor
	Delays     DelaySweeper
	Interrupts InterruptProcessor
	Plans      PlanPurger
}

// RegisterMaintenance registers the engine's periodic jobs on s.
func RegisterMaintenance(s *Scheduler, cfg MaintenanceConfig, m Maintainers) error {
	limit := cfg.BatchSize
	if limit <= 0 {
		limit = DefaultMaintenanceConfig().BatchSize
	}
	var jobs []Job
	if m.Restraints != nil {
		jobs = append(jobs, Job{Name: JobRestraintMonitor, Spec: cfg.RestraintMonitor, Task: m.Restraints.Tick})
	}
	if m.Delays != nil {
		jobs = append(jobs, Job{Name: JobDelaySweep, Spec: cfg.DelaySweep, Task: func(ctx context.Context) (int, error) {
			return m.Delays.FireDueDelays(ctx, limit)
		}})
	}
	if m.Interrupts != nil {
		jobs = append(jobs,
			Job{Name: JobDeadlineSweep, Spec: cfg.DeadlineSweep, Task: func(ctx context.Context) (int, error) {
				return m.Interrupts.ExpireOverdue(ctx, limit)
			}},
			Job{Name: JobInterruptDrain, Spec: cfg.InterruptDrain, Task: func(ctx context.Context) (int, error) {
				return m.Interrupts.Drain(ctx, limit)
			}},
		)
	}
	if m.Plans != nil {
		jobs = append(jobs, Job{Name: JobPlanPurge, Spec: cfg.PlanPurge, Task: func(ctx context.Context) (int, error) {
			return m.Plans.PurgeExpired(ctx, limit)
		}})
	}

	var errs []error
	for _, j := range jobs {
		if j.Spec == "" {
			continue
		}
		if err := s.Register(j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
