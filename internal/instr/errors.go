package instr

import "errors"

var (
	// ErrUpstreamFailed marks instructions skipped because a predecessor failed.
	ErrUpstreamFailed = errors.New("skipped due to upstream failure")
	// ErrCanceled marks instructions of a batch canceled before ingestion.
	ErrCanceled = errors.New("batch canceled before scheduling")
	// ErrRejected marks instructions of a batch the scheduler refused.
	ErrRejected = errors.New("batch rejected")
	// ErrAlreadySubmitted marks an instruction that belongs to another batch
	// or appears twice in one.
	ErrAlreadySubmitted = errors.New("instruction already submitted")
)
