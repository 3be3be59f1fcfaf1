// Package track owns the per-source learned state and the observation
// update engine that maintains it.
//
// A [Source] accumulates a bounded observation history, a learned mean
// update interval, an optional cadence multiple with its fit confidence, an
// optional phase offset within the cadence period, and robust publish
// latency statistics. The [Engine] is the only mutator of this state: each
// poll result is fed through [Engine.Ingest], which distinguishes genuine
// new observations from refreshed duplicates and drives the cadence, phase
// and latency learners. Consumers (the scheduler, the status surface)
// treat sources as read-only.
package track
