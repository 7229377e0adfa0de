package commission

import "consignment-ledger/pkg/errutil"

var ErrInvalidRequest = errutil.BadRequest("invalid commission request", nil)
