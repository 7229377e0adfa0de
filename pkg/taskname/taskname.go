package taskname

const (
	// Consignment tasks
	ConsignmentSold = "consignment:sold"

	// Collection tasks
	CollectionPurchased = "collection:purchased"

	// Coupon tasks
	CouponExpirySweep = "coupon:expiry:sweep"

	// Reconciliation tasks
	ReconcileRun = "reconcile:run"
)
