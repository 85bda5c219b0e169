// Package deliverylog records the outcome of every notification the pipeline
// hands to a sender, keyed by (recipient, entity, kind).
//
// The log is the deduplication authority: a reminder is enqueued only after a
// conditional write to the log succeeds, so two overlapping scans can never
// both claim the same key.
package deliverylog
