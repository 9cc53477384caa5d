package config

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to hot-reload without restarting the server are tracked — model
// paths and pool sizing are fixed for the lifetime of the scheduler they
// were used to construct.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxWaitMsChanged bool
	NewMaxWaitMs     int

	MaxBatchSizeChanged bool
	NewMaxBatchSize     int

	MaxActiveConnectionsChanged bool
	NewMaxActiveConnections     int
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Batching.MaxWaitMs != new.Batching.MaxWaitMs {
		d.MaxWaitMsChanged = true
		d.NewMaxWaitMs = new.Batching.MaxWaitMs
	}
	if old.Batching.MaxBatchSize != new.Batching.MaxBatchSize {
		d.MaxBatchSizeChanged = true
		d.NewMaxBatchSize = new.Batching.MaxBatchSize
	}
	if old.Server.MaxActiveConnections != new.Server.MaxActiveConnections {
		d.MaxActiveConnectionsChanged = true
		d.NewMaxActiveConnections = new.Server.MaxActiveConnections
	}

	return d
}

// Changed reports whether any hot-reloadable field differs. A config file
// edit that only touches a restart-only field (model paths, nn_pool_size,
// decoding_method) produces a zero-value ConfigDiff and should not trigger a
// hot-reload callback.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MaxWaitMsChanged || d.MaxBatchSizeChanged || d.MaxActiveConnectionsChanged
}
