package dto

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// EnhanceResponse carries the enhanced still image
type EnhanceResponse struct {
	EnhancedImage string `json:"enhanced_image"`
}

// StatsResponse summarises in-flight sessions
type StatsResponse struct {
	ActiveSessions int      `json:"active_sessions"`
	SessionIDs     []string `json:"session_ids"`
}
