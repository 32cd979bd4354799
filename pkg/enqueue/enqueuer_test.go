package enqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.waggle.dev/waggle/pkg/types"
)

type capturingEnqueuer struct {
	buckets []types.Bucket
	job     types.JobPrioritizationInfo
}

func (c *capturingEnqueuer) Enqueue(buckets []types.Bucket, job types.JobPrioritizationInfo) error {
	c.buckets = append(c.buckets, buckets...)
	c.job = job
	return nil
}

func testConfiguration() TestConfiguration {
	return TestConfiguration{
		PayloadTemplate: types.BucketPayload{
			TestDestination: types.TestDestination{DeviceType: "phone-8", RuntimeVersion: "14.1"},
			TestTimeout:     300 * time.Second,
			NumberOfRetries: 1,
		},
	}
}

func testJob() types.JobPrioritizationInfo {
	return types.JobPrioritizationInfo{
		JobID:            "j1",
		JobGroupID:       "j1",
		JobPriority:      types.PriorityMedium,
		JobGroupPriority: types.PriorityMedium,
	}
}

func TestEnqueuer_MintsBuckets(t *testing.T) {
	sink := &capturingEnqueuer{}
	e := &TestsEnqueuer{Queue: sink, Log: zaptest.NewLogger(t)}

	buckets, err := e.Enqueue(entries(3), testConfiguration(), testJob(), IndividualSplitter{})
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, buckets, sink.buckets)
	assert.Equal(t, types.JobID("j1"), sink.job.JobID)

	ids := map[string]struct{}{}
	for _, b := range buckets {
		ids[b.BucketID] = struct{}{}
		assert.Len(t, b.Payload.TestEntries, 1)
		assert.Equal(t, uint(1), b.Payload.NumberOfRetries)
	}
	assert.Len(t, ids, 3)
}

func TestEnqueuer_DefaultAnalytics(t *testing.T) {
	sink := &capturingEnqueuer{}
	e := &TestsEnqueuer{
		Queue:            sink,
		Log:              zaptest.NewLogger(t),
		DefaultAnalytics: types.AnalyticsConfiguration{"graphite_prefix": "ci.tests"},
	}

	// A submission without analytics picks up the server default.
	buckets, err := e.Enqueue(entries(1), testConfiguration(), testJob(), UnsplitSplitter{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "ci.tests", buckets[0].AnalyticsConfiguration["graphite_prefix"])

	// A submission with its own analytics wins over the default.
	cfg := testConfiguration()
	cfg.AnalyticsConfiguration = types.AnalyticsConfiguration{"graphite_prefix": "override"}
	buckets, err = e.Enqueue(entries(1), cfg, testJob(), UnsplitSplitter{})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "override", buckets[0].AnalyticsConfiguration["graphite_prefix"])
}

func TestEnqueuer_NoEntries(t *testing.T) {
	e := &TestsEnqueuer{Queue: &capturingEnqueuer{}, Log: zaptest.NewLogger(t)}
	_, err := e.Enqueue(nil, testConfiguration(), testJob(), UnsplitSplitter{})
	assert.ErrorIs(t, err, ErrNoTestEntries)
}
