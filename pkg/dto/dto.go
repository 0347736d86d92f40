package dto

import "github.com/tass-io/rpool/pkg/runner/pool"

type InstancesResponse struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Instances []pool.InstanceStatus `json:"instances"`
}

// ConnectResponse describes the session a test connection opened and closed again
type ConnectResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Session  string `json:"session,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	ServerID string `json:"serverId,omitempty"`
	// Transient is set on failure when retrying later may help
	Transient bool  `json:"transient,omitempty"`
	ElapsedMs int64 `json:"elapsedMs"`
}

type TerminateResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Terminated int    `json:"terminated"`
	// Retiring counts busy processes stopped once their client disconnects
	Retiring int `json:"retiring"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Instances int    `json:"instances"`
}
