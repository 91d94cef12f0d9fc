package replicator

import "github.com/VictoriaMetrics/metrics"

var (
	metricRevsPushed      = metrics.NewCounter("synclite_replicator_revisions_pushed_total")
	metricRevsPulled      = metrics.NewCounter("synclite_replicator_revisions_pulled_total")
	metricRevsFailed      = metrics.NewCounter("synclite_replicator_revisions_failed_total")
	metricCheckpointSaves = metrics.NewCounter("synclite_replicator_checkpoint_saves_total")
)
