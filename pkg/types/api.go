package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ReloadRequest is the optional body of POST /reload.
type ReloadRequest struct {
	// Reload even when the rules directory looks unchanged and the rate limit applies.
	// example: true
	Force bool `json:"force,omitempty" example:"true"`
}

// LogLevelRequest is the body of PUT /log-level.
type LogLevelRequest struct {
	// Level name (trace, debug, info, warn, error) or syslog priority 0-7.
	// example: debug
	Level string `json:"level" example:"debug"`
}

// ChildrenMaxRequest is the body of PUT /children-max.
type ChildrenMaxRequest struct {
	// Maximum number of worker processes; 0 restores the default.
	// example: 16
	ChildrenMax int `json:"children_max" example:"16"`
}

// EnvironmentRequest is the body of POST /environment.
type EnvironmentRequest struct {
	// Properties added to every device handed to workers.
	// example: {"ID_DEBUG":"1"}
	Set map[string]string `json:"set,omitempty"`
	// Property names to remove.
	// example: ["ID_DEBUG"]
	Unset []string `json:"unset,omitempty"`
}

// PingResponse is returned by GET /ping once the event loop has answered.
type PingResponse struct {
	// example: true
	OK bool `json:"ok" example:"true"`
}
