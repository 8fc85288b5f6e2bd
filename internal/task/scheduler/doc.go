// Package scheduler keeps a table of named cron triggers and enqueues their
// jobs on the task engine. It only triggers; execution, overlap gating and
// retries belong to the engine.
package scheduler
