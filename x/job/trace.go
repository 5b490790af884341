package job

import (
	"fmt"
	"os"
	"sync"
)

// Trace is the output of the runner stage: four temp files the prover
// consumes together. AirPrivateInput references Memory and Trace by path,
// so the group is packaged into one struct and closed/unlinked in one
// call, avoiding the need to track individual file lifetimes across the
// runner/prover boundary (see SPEC_FULL.md Design Notes).
type Trace struct {
	JobKey          Key
	AirPublicInput  *os.File
	AirPrivateInput *os.File
	Memory          *os.File
	Trace           *os.File

	closeOnce sync.Once
}

// NewTrace constructs a Trace owning the four given files.
func NewTrace(jobKey Key, publicInput, privateInput, memory, trace *os.File) *Trace {
	return &Trace{
		JobKey:          jobKey,
		AirPublicInput:  publicInput,
		AirPrivateInput: privateInput,
		Memory:          memory,
		Trace:           trace,
	}
}

// Close closes and unlinks all four files exactly once. Safe to call
// multiple times and safe to defer immediately after construction.
func (t *Trace) Close() error {
	var firstErr error
	t.closeOnce.Do(func() {
		for _, f := range []*os.File{t.AirPublicInput, t.AirPrivateInput, t.Memory, t.Trace} {
			if f == nil {
				continue
			}
			name := f.Name()
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("job: close trace file %s: %w", name, err)
			}
			_ = os.Remove(name)
		}
	})
	return firstErr
}
