package providers

import (
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/termination"
	"go.waggle.dev/waggle/pkg/types"
)

// Config keys.
const (
	ConfQueueCheckAgainInterval = "queue.check_again_interval"
	ConfQueueReaperInterval     = "queue.reaper_interval"

	ConfWorkerIDs                 = "worker.ids"
	ConfWorkerReportAliveInterval = "worker.report_alive_interval"
	ConfWorkerReportAliveGrace    = "worker.report_alive_grace"
	ConfWorkerConfigFile          = "worker.config_file"

	ConfTerminationPolicy     = "termination.policy"
	ConfTerminationIdlePeriod = "termination.idle_period"

	ConfNetPortRangeStart = "net.port_range_start"
	ConfNetPortRangeEnd   = "net.port_range_end"
	ConfNetUseOnlyIPv4    = "net.use_only_ipv4"
	ConfNetPortFile       = "net.port_file"

	ConfResultsMaxArtifactBytes   = "results.max_artifact_bytes"
	ConfResultsAcceptedWindowSize = "results.accepted_window_size"
	ConfResultsAcceptedWindowTTL  = "results.accepted_window_ttl"

	ConfJobsTombstoneSize = "jobs.tombstone_size"
	ConfJobsTombstoneTTL  = "jobs.tombstone_ttl"

	ConfAnalyticsConfiguration = "analytics.configuration"
)

func init() {
	viper.SetDefault(ConfQueueCheckAgainInterval, 30*time.Second)
	viper.SetDefault(ConfQueueReaperInterval, time.Second)

	viper.SetDefault(ConfWorkerIDs, []string{})
	viper.SetDefault(ConfWorkerReportAliveInterval, 10*time.Second)
	viper.SetDefault(ConfWorkerReportAliveGrace, 10*time.Second)
	viper.SetDefault(ConfWorkerConfigFile, "")

	viper.SetDefault(ConfTerminationPolicy, string(termination.PolicyAfterBeingIdle))
	viper.SetDefault(ConfTerminationIdlePeriod, 10*time.Minute)

	viper.SetDefault(ConfNetPortRangeStart, 41000)
	viper.SetDefault(ConfNetPortRangeEnd, 41100)
	viper.SetDefault(ConfNetUseOnlyIPv4, true)
	viper.SetDefault(ConfNetPortFile, "")

	viper.SetDefault(ConfResultsMaxArtifactBytes, 64<<20)
	viper.SetDefault(ConfResultsAcceptedWindowSize, 4096)
	viper.SetDefault(ConfResultsAcceptedWindowTTL, time.Hour)

	viper.SetDefault(ConfJobsTombstoneSize, 1024)
	viper.SetDefault(ConfJobsTombstoneTTL, 24*time.Hour)

	viper.SetDefault(ConfAnalyticsConfiguration, map[string]string{})
}

// QueueConfig bundles the queue server settings read from viper.
type QueueConfig struct {
	CheckAgainInterval time.Duration
	ReaperInterval     time.Duration

	WorkerIDs           []types.WorkerID
	ReportAliveInterval time.Duration
	ReportAliveGrace    time.Duration

	TerminationPolicy     termination.Policy
	TerminationIdlePeriod time.Duration

	PortRangeStart int
	PortRangeEnd   int
	UseOnlyIPv4    bool
	PortFile       string

	MaxArtifactBytes   int
	AcceptedWindowSize int
	AcceptedWindowTTL  time.Duration

	TombstoneSize int
	TombstoneTTL  time.Duration

	AnalyticsConfiguration types.AnalyticsConfiguration
}

// NewQueueConfig builds the queue configuration from the environment.
func NewQueueConfig(log *zap.Logger) *QueueConfig {
	ids := viper.GetStringSlice(ConfWorkerIDs)
	workerIDs := make([]types.WorkerID, len(ids))
	for i, id := range ids {
		workerIDs[i] = types.WorkerID(id)
	}
	if len(workerIDs) == 0 {
		log.Warn("Empty " + ConfWorkerIDs + ", no worker will be able to register")
	}
	return &QueueConfig{
		CheckAgainInterval:    viper.GetDuration(ConfQueueCheckAgainInterval),
		ReaperInterval:        viper.GetDuration(ConfQueueReaperInterval),
		WorkerIDs:             workerIDs,
		ReportAliveInterval:   viper.GetDuration(ConfWorkerReportAliveInterval),
		ReportAliveGrace:      viper.GetDuration(ConfWorkerReportAliveGrace),
		TerminationPolicy:     termination.Policy(viper.GetString(ConfTerminationPolicy)),
		TerminationIdlePeriod: viper.GetDuration(ConfTerminationIdlePeriod),
		PortRangeStart:        viper.GetInt(ConfNetPortRangeStart),
		PortRangeEnd:          viper.GetInt(ConfNetPortRangeEnd),
		UseOnlyIPv4:           viper.GetBool(ConfNetUseOnlyIPv4),
		PortFile:              viper.GetString(ConfNetPortFile),
		MaxArtifactBytes:      viper.GetInt(ConfResultsMaxArtifactBytes),
		AcceptedWindowSize:    viper.GetInt(ConfResultsAcceptedWindowSize),
		AcceptedWindowTTL:     viper.GetDuration(ConfResultsAcceptedWindowTTL),
		TombstoneSize:         viper.GetInt(ConfJobsTombstoneSize),
		TombstoneTTL:          viper.GetDuration(ConfJobsTombstoneTTL),
		AnalyticsConfiguration: types.AnalyticsConfiguration(
			viper.GetStringMapString(ConfAnalyticsConfiguration)),
	}
}
