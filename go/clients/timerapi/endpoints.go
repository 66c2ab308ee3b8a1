package timerapi

const (
	// API Endpoints
	TimersEndpoint    = "/timers"
	TickEndpoint      = "/tick"
	StatusEndpoint    = "/status"
	StreamEndpoint    = "/ws"
	PauseAllEndpoint  = "/timers/pause_all"
	ResumeAllEndpoint = "/timers/resume_all"
	ResetAllEndpoint  = "/timers/reset_all"

	// Headers
	AuthTokenHeader = "X-Auth-Token"
)
