// Package schedule provides the schedules used by --schedule repeat mode.
//
// This package includes:
//   - Schedule interface for computing the next activation
//   - Every() for fixed-interval schedules
//   - Parse() for intervals, cron expressions and descriptors
//   - Run() for driving a function from a schedule
package schedule
