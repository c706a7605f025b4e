package mgmt

import (
	"github.com/p-blackswan/circuit-idle/internal/circuit"
	"github.com/p-blackswan/circuit-idle/internal/health"
)

// CircuitListResponse is returned by GET /api/v1/circuits.
type CircuitListResponse struct {
	Circuits []circuit.Info `json:"circuits"`
	Count    int            `json:"count"`
}

// HealthResponse is returned by GET /readyz.
type HealthResponse struct {
	Status string                   `json:"status"`
	Checks map[string]health.Status `json:"checks,omitempty"`
}

// ConfigResponse is the operator view of the running configuration.
// Secrets are never included.
type ConfigResponse struct {
	Environment              string `json:"environment"`
	LogLevel                 string `json:"log_level"`
	HTTPPort                 int    `json:"http_port"`
	CircuitPath              string `json:"circuit_path"`
	IdleCircuitTimeout       string `json:"idle_circuit_timeout"`
	MaxIdleTimeAllowed       string `json:"max_idle_time_allowed"`
	MaxIdleAlertResponseTime string `json:"max_idle_alert_response_time"`
	MgmtListenAddr           string `json:"mgmt_listen_addr"`
	AuthMode                 string `json:"auth_mode"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
