package scaling

import "testing"

func TestMetricsBucketIsStable(t *testing.T) {
	a := MetricsBucket("corr-1", 16)
	b := MetricsBucket("corr-1", 16)
	if a != b {
		t.Errorf("MetricsBucket not stable: %d vs %d", a, b)
	}
	if a >= 16 {
		t.Errorf("bucket %d out of range [0,16)", a)
	}
}

func TestMetricsBucketZeroBucketsIsZero(t *testing.T) {
	if got := MetricsBucket("x", 0); got != 0 {
		t.Errorf("MetricsBucket with 0 buckets = %d, want 0", got)
	}
}
