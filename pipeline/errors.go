package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

type Step string

const (
	StepFetch     Step = "fetch"
	StepArchive   Step = "archive"
	StepClean     Step = "clean"
	StepSnapshot  Step = "snapshot"
	StepTransform Step = "transform"
	StepCheck     Step = "check"
	StepResolve   Step = "resolve"
	StepTruncate  Step = "truncate"
	StepUpload    Step = "upload"
)

// ErrNoGeometry means none of the records of the first batch carries a geometry.
var ErrNoGeometry = errors.New("first batch has no geometry")

// StepError names the step in which a run failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step of the StepError in err's chain, or "".
func FailedStep(err error) Step {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}

type TargetNotFoundError struct {
	ItemID string
	Layer  int
	Err    error
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target layer %d of item %s not found: %v", e.Layer, e.ItemID, e.Err)
}

func (e *TargetNotFoundError) Unwrap() error { return e.Err }

// RecordFailure is one record rejected by the target.
type RecordFailure struct {
	// Batch is 1-based, Record is the 0-based position within the batch
	// and Index the 0-based position in the whole upload.
	Batch       int
	Record      int
	Index       int
	Code        int
	Description string
}

func (f RecordFailure) String() string {
	return fmt.Sprintf("record %d of batch %d (#%d): code %d: %s", f.Record, f.Batch, f.Index, f.Code, f.Description)
}

// PartialUploadError is returned when a batch is not fully accepted. Batches before Batch
// are stored; the target needs a fresh run.
type PartialUploadError struct {
	Batch    int
	Batches  int
	Uploaded int
	Records  int
	Failures []RecordFailure
	// Cause is set when the request itself failed and no per-record result is known.
	Cause error
}

func (e *PartialUploadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %d of %d failed", e.Batch, e.Batches)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if n := len(e.Failures); n > 0 {
		fmt.Fprintf(&b, ": %d of %d records rejected, first %v", n, e.Records, e.Failures[0])
	}
	fmt.Fprintf(&b, "; %d features uploaded, target is partially populated and needs a fresh run", e.Uploaded)
	return b.String()
}

func (e *PartialUploadError) Unwrap() error { return e.Cause }
