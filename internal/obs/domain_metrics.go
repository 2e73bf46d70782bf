package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SettlementTotal counts settlement computations by path (quote, order) and result.
	SettlementTotal *prometheus.CounterVec
	// SettlementNoticeTotal counts instruments rejected during settlement, by reason.
	SettlementNoticeTotal *prometheus.CounterVec
	// OrderConfirmTotal counts order confirmation outcomes.
	OrderConfirmTotal *prometheus.CounterVec
	// CoinsRedeemedTotal sums coins consumed by confirmed orders.
	CoinsRedeemedTotal prometheus.Counter
	// CoinsExpiredTotal sums coins zeroed by the expiry sweep.
	CoinsExpiredTotal prometheus.Counter
	// PaymentIntentTotal counts payment intent creation attempts.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
)

func init() {
	// Collectors stay usable in tests and tools that never register them.
	initDomainCollectors("")
}

func initDomainCollectors(namespace string) {
	SettlementTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_total",
		Help:      "Count of settlement computations by path and result.",
	}, []string{"path", "result"})
	SettlementNoticeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_notice_total",
		Help:      "Count of rejected discount or coin instruments by reason.",
	}, []string{"reason"})
	OrderConfirmTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_confirm_total",
		Help:      "Count of order confirmation outcomes.",
	}, []string{"result"})
	CoinsRedeemedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coins_redeemed_total",
		Help:      "Coins consumed by confirmed orders.",
	})
	CoinsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coins_expired_total",
		Help:      "Coins removed by the expiry sweep.",
	})
	PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_intent_total",
		Help:      "Count of payment intent processing outcomes.",
	}, []string{"provider", "result"})
	PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_webhook_total",
		Help:      "Count of processed payment webhooks by outcome.",
	}, []string{"provider", "result"})
}

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		initDomainCollectors(namespace)

		SettlementTotal = register(reg, SettlementTotal)
		SettlementNoticeTotal = register(reg, SettlementNoticeTotal)
		OrderConfirmTotal = register(reg, OrderConfirmTotal)
		CoinsRedeemedTotal = register(reg, CoinsRedeemedTotal)
		CoinsExpiredTotal = register(reg, CoinsExpiredTotal)
		PaymentIntentTotal = register(reg, PaymentIntentTotal)
		PaymentWebhookTotal = register(reg, PaymentWebhookTotal)
	})
}
