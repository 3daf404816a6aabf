package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDepositMetrics(t *testing.T) {
	m := Deposits()
	require.Same(t, m, Deposits())

	before := testutil.ToFloat64(m.verifications.WithLabelValues("verified"))
	m.RecordVerification("verified")
	require.Equal(t, before+1, testutil.ToFloat64(m.verifications.WithLabelValues("verified")))

	observed := testutil.ToFloat64(m.observed)
	m.RecordObserved(3)
	m.RecordObserved(-1)
	require.Equal(t, observed+3, testutil.ToFloat64(m.observed))

	m.SetCacheSize(12)
	require.Equal(t, float64(12), testutil.ToFloat64(m.cacheSize))

	var nilMetrics *DepositMetrics
	require.NotPanics(t, func() { nilMetrics.RecordVerification("x") })
}
