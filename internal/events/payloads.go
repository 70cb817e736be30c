package events

import "time"

// ServiceConnectedPayload is the payload for KindServiceConnected.
type ServiceConnectedPayload struct {
	ServiceName string
	Tools       []string
	At          time.Time
}

// ServiceDisconnectedPayload is the payload for KindServiceDisconnected.
type ServiceDisconnectedPayload struct {
	ServiceName string
	Reason      string
	At          time.Time
}

// ServiceConnectionFailedPayload is the payload for
// KindServiceConnectionFailed.
type ServiceConnectionFailedPayload struct {
	ServiceName string
	Error       string
	Attempt     int
}

// ConfigUpdatedPayload is the payload for KindConfigUpdated.
type ConfigUpdatedPayload struct {
	Scope       ConfigScope
	ServiceName string
	At          time.Time
}

// RestartPayload is the payload for the restart:* family of events.
type RestartPayload struct {
	ServiceName string
	Reason      string
	Attempt     int
	At          time.Time
}

// EndpointStatusChangedPayload is the payload for
// KindEndpointStatusChanged.
type EndpointStatusChangedPayload struct {
	Endpoint  string
	Connected bool
	Operation string
	At        time.Time
}

// HealthChangedPayload is the payload for KindHealthChanged.
type HealthChangedPayload struct {
	ServiceName string
	OldStatus   string
	NewStatus   string
}
