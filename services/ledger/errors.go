package ledger

import "consignment-ledger/pkg/errutil"

var (
	ErrAccountNotFound = errutil.NotFound("account not found", nil)
	ErrEntryNotFound   = errutil.NotFound("ledger entry not found", nil)
	ErrInvalidPosting  = errutil.BadRequest("invalid posting", nil)

	// ErrAlreadyApplied is benign: a posting for the same key exists.
	ErrAlreadyApplied = errutil.Conflict("posting already applied", nil)

	ErrBalanceCapExceeded       = errutil.UnprocessableEntity("balance cap exceeded", nil)
	ErrNegativeResultDisallowed = errutil.UnprocessableEntity("negative balance disallowed", nil)

	ErrChainBroken = errutil.Internal("ledger hash chain broken", nil)
)
