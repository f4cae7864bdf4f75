package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, runDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func TestRecordRunObservesDuration(t *testing.T) {
	beforeSamples := histogramSampleCount(t)
	beforeRuns := testutil.ToFloat64(runCounter.WithLabelValues("ok"))

	recordRun("ok", 250*time.Millisecond)

	require.Equal(t, beforeSamples+1, histogramSampleCount(t))
	require.Equal(t, beforeRuns+1, testutil.ToFloat64(runCounter.WithLabelValues("ok")))
}

func TestRecordUserLabelsPartialRuns(t *testing.T) {
	before := testutil.ToFloat64(userCounter.WithLabelValues("partial"))
	recordUser(UserResult{Phase: PhaseIdle, Partial: true})
	require.Equal(t, before+1, testutil.ToFloat64(userCounter.WithLabelValues("partial")))

	failedBefore := testutil.ToFloat64(userCounter.WithLabelValues(string(PhaseIdle)))
	recordUser(UserResult{Phase: PhaseIdle, Partial: true, Err: errors.New("network")})
	require.Equal(t, failedBefore+1, testutil.ToFloat64(userCounter.WithLabelValues(string(PhaseIdle))))
}
