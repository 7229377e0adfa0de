package coupon

import "github.com/prometheus/client_golang/prometheus"

var (
	couponsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_issued_total",
		Help: "Coupon issue requests by outcome (issued, deduplicated).",
	}, []string{"outcome"})
	couponsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coupon_consumed_total",
		Help: "Coupons consumed by a listing.",
	})
	couponsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coupon_expired_total",
		Help: "Coupons moved to expired by the sweep or on reissue.",
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{couponsIssued, couponsConsumed, couponsExpired}
}
