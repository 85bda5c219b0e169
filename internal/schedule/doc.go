// Package schedule fires named jobs on cron, daily or interval schedules in a
// configured timezone. Jobs run on the cron goroutine; a job still running
// when its next tick arrives is skipped rather than stacked.
package schedule
