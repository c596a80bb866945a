// Package scheduler arms named jobs on robfig/cron and hands each tick to the
// task engine. The engine owns execution: the per-job gate, deadlines,
// retries and history.
package scheduler
