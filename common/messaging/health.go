package messaging

import (
	"fmt"
	"time"
)

// HealthStatus is the broker connection state reported by /readyz.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// rttMeasurer is implemented by clients that can time a server round trip.
type rttMeasurer interface {
	RTT() (time.Duration, error)
}

// CheckClientHealth reports whether client is connected and, when supported,
// the round-trip latency to the broker.
func CheckClientHealth(client Client) HealthStatus {
	status := HealthStatus{}
	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	if m, ok := client.(rttMeasurer); ok {
		rtt, err := m.RTT()
		if err != nil {
			status.Error = fmt.Sprintf("health check failed: %v", err)
			return status
		}
		status.Latency = rtt
	}
	return status
}
