package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, a.Average())
	require.Equal(t, 30*time.Millisecond, a.Max)
	a.Reset()
	require.Equal(t, int64(0), a.Samples)
}

func TestMovingAverage(t *testing.T) {
	m := MovingAverage{}
	m.Update(64 * time.Millisecond)
	require.Equal(t, 64*time.Millisecond, m.Duration())
	for i := 0; i < 1000; i++ {
		m.Update(0)
	}
	require.Less(t, m.Duration(), time.Millisecond)

}

func TestStageTimes(t *testing.T) {
	s := StageTimes{}
	s.Detect.Update(2 * time.Millisecond)
	require.Equal(t, 2.0, s.Summary().DetectMS)
	require.Contains(t, s.String(), "detect 2.00 ms")

	s.Detect.Update(8 * time.Millisecond)
	s.Prepare.Update(time.Millisecond)
	sum := s.Summary()
	require.Equal(t, int64(2), sum.Samples)
	require.Equal(t, 8.0, sum.DetectMaxMS)
	require.Equal(t, 5.0, sum.DetectAvgMS)
	require.Equal(t, 1.0, sum.PrepareMaxMS)
	require.Equal(t, 0.0, sum.FilterMaxMS)
	require.Contains(t, s.String(), "max 8.00 ms")

	s.Reset()
	require.Equal(t, StageSummary{}, s.Summary())
}
