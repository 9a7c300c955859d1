// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartPhaseScheduler runs the time trigger: every minute, advance
// every ritual whose phase deadline has passed. The tick is idempotent,
// so an overlapping or delayed run never double-fires a transition.
func (e *PhaseEngine) StartPhaseScheduler() (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()

	_, err = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
			defer cancel()

			advanced, err := e.AdvanceDueRituals(ctx, time.Now())
			if err != nil {
				log.Printf("[Scheduler] Tick failed: %v", err)
				return
			}
			if advanced > 0 {
				log.Printf("✅ Advanced %d ritual phase(s)", advanced)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return sched, nil
}
