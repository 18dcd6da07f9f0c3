package gc

import "time"

// Budget is a cooperative time budget for a long-running background job
// (GC sweep, repair pass, backfill). Rather than processing every unit of
// work in one uninterruptible burst, callers check Exceeded between units
// and yield back to the scheduler's caller once the budget runs out,
// resuming on the next tick.
type Budget struct {
	deadline time.Time
}

// NewBudget starts a budget that expires after d.
func NewBudget(d time.Duration) Budget {
	return Budget{deadline: time.Now().Add(d)}
}

// Exceeded reports whether the budget's time has elapsed.
func (b Budget) Exceeded() bool {
	return time.Now().After(b.deadline)
}

// RunTasklets runs each of tasks in order, stopping (and reporting how many
// ran) as soon as budget is exceeded between tasks. A long GC sweep over
// many maps calls this with one tasklet per map, so a slow sweep yields
// between maps instead of monopolizing the goroutine for the whole pass.
func RunTasklets(budget Budget, tasks []func()) int {
	ran := 0
	for _, task := range tasks {
		if budget.Exceeded() {
			break
		}
		task()
		ran++
	}
	return ran
}
