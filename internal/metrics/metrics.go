package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

const namespace = "loreweaver"

// Metrics are the story and billing collectors.
type Metrics struct {
	// Turns counts turn attempts by outcome (ok, concluded, or a failure kind).
	Turns *prometheus.CounterVec
	// Tokens counts billed tokens by direction (input, output).
	Tokens *prometheus.CounterVec
	// SpentCents and GrantedCents track money moved through the ledger.
	SpentCents   prometheus.Counter
	GrantedCents *prometheus.CounterVec
	Flagged      prometheus.Counter
	TurnDuration prometheus.Histogram
	Sessions     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turn attempts partitioned by outcome.",
		}, []string{"outcome"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_billed_total",
			Help:      "Tokens settled against wallets.",
		}, []string{"direction"}),
		SpentCents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spent_cents_total",
			Help:      "Cents deducted from wallets.",
		}),
		GrantedCents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "granted_cents_total",
			Help:      "Cents credited to wallets, by grant kind.",
		}, []string{"kind"}),
		Flagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_settlements_total",
			Help:      "Settlements that exceeded their authorization or were clamped.",
		}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to generate and settle a turn.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session transitions by resulting status.",
		}, []string{"status"}),
	}
}

func Module() fx.Option {
	return fx.Module(
		"metrics",
		fx.Provide(
			func() prometheus.Registerer { return prometheus.DefaultRegisterer },
			New,
		),
	)
}
