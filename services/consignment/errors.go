package consignment

import "consignment-ledger/pkg/errutil"

var (
	ErrInvalidRequest      = errutil.BadRequest("invalid consignment request", nil)
	ErrConsignmentNotFound = errutil.NotFound("consignment not found", nil)
	ErrHoldingNotFound     = errutil.NotFound("holding not found", nil)
	ErrInvalidState        = errutil.Conflict("invalid consignment state", nil)
)
