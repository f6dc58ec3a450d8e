// Package plan computes per-plan render worker limits, billing periods and
// replay allowances. Everything here is pure: no I/O, no clocks, no state.
package plan

import "time"

// Plan tiers in ascending order.
const (
	Free    = "free"
	Starter = "starter"
	Pro     = "pro"
	Scale   = "scale"
)

// workerLimits bounds how many render jobs may be in flight per project.
var workerLimits = map[string]int{
	Free:    1,
	Starter: 2,
	Pro:     5,
	Scale:   10,
}

// allowances is the monthly replay-time budget per plan.
var allowances = map[string]time.Duration{
	Free:    30 * time.Minute,
	Starter: 5 * time.Hour,
	Pro:     20 * time.Hour,
	Scale:   100 * time.Hour,
}

// WorkerLimit returns the concurrent render worker limit for a plan.
// Unknown or empty plans fall back to the free tier limit.
func WorkerLimit(plan string) int {
	if n, ok := workerLimits[plan]; ok {
		return n
	}
	return workerLimits[Free]
}

// Allowance returns the monthly replay-time allowance for a plan.
// Unknown or empty plans fall back to the free tier allowance.
func Allowance(plan string) time.Duration {
	if d, ok := allowances[plan]; ok {
		return d
	}
	return allowances[Free]
}

// BillingPeriod returns the usage window for a project. The free tier
// accumulates usage from account creation, so its period is
// [createdAt, now]. Paid tiers get a rolling monthly window anchored to
// the day-of-month the project subscribed (createdAt when subscribedAt is
// absent): the period starts on this month's anchor day, or the previous
// month's when now has not reached it yet.
func BillingPeriod(plan string, subscribedAt *time.Time, createdAt, now time.Time) (start, end time.Time) {
	if !paid(plan) {
		return createdAt, now
	}

	anchor := createdAt
	if subscribedAt != nil {
		anchor = *subscribedAt
	}
	start = time.Date(now.Year(), now.Month(), anchor.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, now.Location())
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return start, start.AddDate(0, 1, 0)
}

// paid reports whether the plan is a known non-free tier. Unknown plans
// are treated as free.
func paid(plan string) bool {
	_, known := workerLimits[plan]
	return known && plan != Free
}

// RemainingWorkerCapacity returns how many more render jobs a project may
// start right now. Never negative.
func RemainingWorkerCapacity(plan string, activeCount int) int {
	if remaining := WorkerLimit(plan) - activeCount; remaining > 0 {
		return remaining
	}
	return 0
}

// RemainingAllowance returns how much replay time is left in the billing
// period given accumulated usage. Never negative.
func RemainingAllowance(plan string, used time.Duration) time.Duration {
	if remaining := Allowance(plan) - used; remaining > 0 {
		return remaining
	}
	return 0
}

// HasRemainingAllowance reports whether admitting a session of the given
// duration keeps the period's usage within the plan allowance.
func HasRemainingAllowance(plan string, used, prospective time.Duration) bool {
	return used+prospective <= Allowance(plan)
}
