package app

// StopReason is logged by Stop so operators can tell a signal from a fatal error.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
)
