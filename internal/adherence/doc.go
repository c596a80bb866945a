// Package adherence holds the scheduled jobs of the adherence engine: the
// daily taken-flag reset, dose and appointment reminders, the health score
// recomputation and the notification retention sweep.
//
// Jobs are plain values with a Run(ctx) error method; Register wires them to
// the scheduler. A job's error is reported to the task engine, which logs it
// with the job name and carries on with the next tick.
package adherence
