package orchestrator

import (
	"errors"
	"fmt"
)

// AdmissionReason classifies why a submission was rejected before a build
// record existed.
type AdmissionReason string

const (
	ReasonQueueFull          AdmissionReason = "queue_full"
	ReasonInvalidRequest     AdmissionReason = "invalid_request"
	ReasonCatalogUnavailable AdmissionReason = "catalog_unavailable"
)

// AdmissionError is returned synchronously from Submit. No build record is
// created when it is returned.
type AdmissionError struct {
	Reason AdmissionReason
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admission rejected (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("admission rejected (%s)", e.Reason)
}

// errCancelled marks a build context cancelled by user request, as opposed
// to a timeout.
var errCancelled = errors.New("build cancelled")

// errNotClaimable aborts a run-claim update when the record is no longer
// pending; only the worker whose claim commits may execute the build.
var errNotClaimable = errors.New("build not claimable")
