package conformity

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/traces"
)

var (
	validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "conformity",
		Name:      "validations_total",
		Help:      "Validation passes by conformity outcome.",
	}, []string{"result"})

	scoreHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "profilesync",
		Subsystem: "conformity",
		Name:      "score",
		Help:      "Distribution of conformity scores.",
		Buckets:   []float64{0, 25, 50, 70, 80, 90, 100},
	})
)

func init() {
	prometheus.MustRegister(validationsTotal, scoreHistogram)
}

// Validator scores stored profiles.
type Validator struct {
	store profile.Reader
	now   func() time.Time
}

// NewValidator creates a validator reading from store.
func NewValidator(store profile.Reader) *Validator {
	return &Validator{store: store, now: time.Now}
}

// Validate scores the stored profile of customerID. A missing profile is a
// defined result (score 0, critical "profile not found"), not an error.
func (v *Validator) Validate(ctx context.Context, customerID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "conformity.Validate", traces.CustomerID(customerID))
	defer span.End()

	rec, err := v.store.Get(ctx, customerID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		traces.Fail(span, err)
		return nil, err
	}
	res := Evaluate(customerID, rec, v.now())
	Observe(res)
	return res, nil
}

// Observe records res in the validation metrics.
func Observe(res *Result) {
	label := "conform"
	if !res.IsConform {
		label = "non_conform"
	}
	validationsTotal.WithLabelValues(label).Inc()
	scoreHistogram.Observe(float64(res.OverallScore))
}
