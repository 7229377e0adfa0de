package coupon

import "consignment-ledger/pkg/errutil"

var (
	ErrInvalidRequest    = errutil.BadRequest("invalid coupon request", nil)
	ErrNoCouponAvailable = errutil.UnprocessableEntity("no coupon available", nil)
	ErrCouponNotFound    = errutil.NotFound("coupon not found", nil)
	ErrAlreadyConsumed   = errutil.Conflict("coupon already consumed", nil)
	ErrCouponExpired     = errutil.UnprocessableEntity("coupon expired", nil)
	ErrZoneNotFound      = errutil.NotFound("price zone not found", nil)
)
