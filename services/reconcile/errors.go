package reconcile

import "consignment-ledger/pkg/errutil"

var (
	ErrUnknownJob = errutil.BadRequest("unknown reconciliation job", nil)
	ErrJobRunning = errutil.Conflict("reconciliation job already running", nil)
)
