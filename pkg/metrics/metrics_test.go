package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUpdateHealthSetsOneActiveLevel(t *testing.T) {
	UpdateHealth("warning", 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(HealthLevel.WithLabelValues("warning")))
	assert.Equal(t, float64(0), testutil.ToFloat64(HealthLevel.WithLabelValues("normal")))
	assert.Equal(t, float64(2), testutil.ToFloat64(HealthDetails))

	UpdateHealth("", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(HealthLevel.WithLabelValues("normal")))
	assert.Equal(t, float64(0), testutil.ToFloat64(HealthLevel.WithLabelValues("warning")))
}

func TestRecordSubmission(t *testing.T) {
	before := testutil.ToFloat64(Submissions.WithLabelValues("metrics-test", "failure"))
	RecordSubmission("metrics-test", "failure")
	assert.Equal(t, before+1, testutil.ToFloat64(Submissions.WithLabelValues("metrics-test", "failure")))
}
