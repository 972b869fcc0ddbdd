package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvaluation = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authverdict_evaluation_total",
			Help: "Number of evaluated messages, by overall status.",
		},
		[]string{
			"status", // pass, neutral, fail, suspicious, not_analyzed, error
		},
	)
	metricEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authverdict_evaluation_duration_seconds",
			Help:    "Duration of evaluating the authentication results of a message.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
	metricMechanism = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authverdict_mechanism_total",
			Help: "Number of mechanism results from trusted headers.",
		},
		[]string{
			"mechanism", // dmarc, dkim, spf
			"outcome",   // pass, fail, softfail, none, etc.
			"mismatch",  // true, false
		},
	)
	metricAuthServIDCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authverdict_authservid_cache_total",
			Help: "Lookups of allowed authserv-ids in the cache.",
		},
		[]string{
			"result", // hit, miss, error
		},
	)
	metricAPIAuth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authverdict_webapi_auth_total",
			Help: "Password checks of webapi requests, by result.",
		},
		[]string{"result"},
	)
)

// APIAuth is the result of checking the password of a webapi request.
type APIAuth string

const (
	APIAuthOK       APIAuth = "ok"
	APIAuthBadCreds APIAuth = "badcreds"
	APIAuthMissing  APIAuth = "missing" // No basic auth in request.
	APIAuthTooMany  APIAuth = "toomany" // Rate limited after failed attempts.
	APIAuthError    APIAuth = "error"   // E.g. password file not readable.
)

func init() {
	for _, r := range []APIAuth{APIAuthOK, APIAuthBadCreds, APIAuthMissing, APIAuthTooMany, APIAuthError} {
		metricAPIAuth.WithLabelValues(string(r)).Add(0)
	}
}

// EvaluationObserve records a finished evaluation with its duration in seconds.
func EvaluationObserve(status string, duration float64) {
	metricEvaluation.WithLabelValues(status).Inc()
	metricEvaluationDuration.Observe(duration)
}

func MechanismInc(mechanism, outcome string, mismatch bool) {
	// Outcome comes from message headers. Keep label cardinality bounded.
	switch outcome {
	case "pass", "fail", "softfail", "neutral", "none", "policy", "temperror", "permerror":
	default:
		outcome = "other"
	}
	metricMechanism.WithLabelValues(mechanism, outcome, strconv.FormatBool(mismatch)).Inc()
}

func AuthServIDCacheInc(result string) {
	metricAuthServIDCache.WithLabelValues(result).Inc()
}

func APIAuthInc(result APIAuth) {
	metricAPIAuth.WithLabelValues(string(result)).Inc()
}
