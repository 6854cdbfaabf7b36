// Package run defines the validation run data model shared by every layer of
// validationd: snapshots reported by the remote executor, human-in-the-loop
// checkpoints, caller decisions, the error taxonomy, and the checkpoint state
// machine that decides which observations and decisions are admissible.
//
// # Lifecycle
//
//	pending -> running -> {paused <-> running} -> {completed | failed}
//
// A run enters paused only when a status snapshot carries a hitl_checkpoint and
// leaves it only through an accepted resume, which moves it back to running.
// Completed and failed are terminal: the Machine keeps returning the first
// terminal snapshot it observed and rejects decisions with a ConflictError.
//
// # Errors
//
// Every failure mode of the orchestration protocol has a typed error in this
// package. Use errors.As to extract details and IsRetryable to classify a chain.
package run
