package search

import "errors"

var (
	// ErrValidationFailed wraps bad filters or criteria detected before a job runs.
	ErrValidationFailed = errors.New("validation failed")
	// ErrAlreadyRunning is returned by Start on a running or paused job.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrJobFinished is returned by Start on a job that already reached a terminal state.
	ErrJobFinished = errors.New("job already finished; start a new job to resume")
	// ErrEngineFailure marks a crash or error reported by the evaluation engine.
	ErrEngineFailure = errors.New("evaluation engine failure")
	// ErrStorageFailure marks I/O errors on the result store.
	ErrStorageFailure = errors.New("result storage failure")
	// ErrOperationCancelled is the expected outcome of Stop.
	ErrOperationCancelled = errors.New("operation cancelled")
	// ErrResourceExhausted marks runs that ran out of memory or similar limits.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrStoreInUse is returned when a live job already writes to the store.
	ErrStoreInUse = errors.New("result store already in use by a live job")
)
