package backfill

import (
	"errors"
	"fmt"

	"github.com/meridianlake/canonical-ingester/jobstore"
	"github.com/meridianlake/canonical-ingester/mapping"
	"github.com/meridianlake/canonical-ingester/schema"
)

// ChunkError records the failure of one chunk's unit of work. It is
// captured against the chunk and never aborts the job.
type ChunkError struct {
	Chunk  jobstore.Chunk
	Reason string
	Err    error
}

func (e *ChunkError) Error() string {
	msg := fmt.Sprintf("chunk %s/%s[%d] failed: %s", e.Chunk.JobID, e.Chunk.Table, e.Chunk.Sequence, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChunkError) Unwrap() error { return e.Err }

// OrchestrationError reports that a job could not produce a single
// successful chunk. The job is marked failed.
type OrchestrationError struct {
	JobID  string
	Reason string
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// isFatalTableError reports whether an error must stop further
// processing of its table. Configuration and schema-misalignment
// errors qualify: retrying other chunks would repeat the failure, and
// writing through a misaligned schema corrupts data undetectably.
func isFatalTableError(err error) bool {
	var cfgErr *mapping.ConfigError
	var misErr *schema.MisalignmentError
	return errors.As(err, &cfgErr) || errors.As(err, &misErr)
}
