package referral

import "consignment-ledger/pkg/errutil"

var (
	ErrMemberNotFound = errutil.NotFound("member not found", nil)
	ErrSelfInvite     = errutil.BadRequest("member cannot invite itself", nil)
	ErrInviterChanged = errutil.Conflict("member already has a different inviter", nil)
)
