package app

// StopReason is logged on shutdown and handed to plugins.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopOperatorExit StopReason = "operator_exit"
	StopFatalError   StopReason = "fatal_error"
)
