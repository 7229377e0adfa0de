package settlement

import "consignment-ledger/pkg/errutil"

var (
	ErrSellerAccountNotFound = errutil.NotFound("seller account not found", nil)
	ErrInvalidRequest        = errutil.BadRequest("invalid settlement request", nil)
)
