package runtime

// RuntimeStats is a snapshot of a Runtime.
type RuntimeStats struct {
	Closed      bool          `json:"closed"`
	ActiveTasks int64         `json:"active_tasks"`
	MaxTasks    int           `json:"max_tasks"`
	Resources   ResourceUsage `json:"resources"`
}

// ServiceStats is a snapshot of a Service and the runtime it runs on.
type ServiceStats struct {
	State            string       `json:"state"`
	PendingCommands  int          `json:"pending_commands"`
	QueuedEvents     int          `json:"queued_events"`
	DroppedEvents    uint64       `json:"dropped_events"`
	KnownServers     int          `json:"known_servers"`
	DiscoveryEnabled bool         `json:"discovery_enabled"`
	OwnsRuntime      bool         `json:"owns_runtime"`
	Runtime          RuntimeStats `json:"runtime"`
}
