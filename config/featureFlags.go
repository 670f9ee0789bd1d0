package config

import (
	"os"
	"strings"
)

// StrictClosedSessionImmutability enables fintech-grade guardrails:
// closed cash sessions reject every mutation path, including internal ops
// tooling; corrections must go through a new session.
//
// Set via env:
// - STRICT_CLOSED_SESSION_IMMUTABLE=true
//
// Default is ON; set to "false"/"0" to allow internal repair scripts.
func StrictClosedSessionImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_CLOSED_SESSION_IMMUTABLE")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SkipSaleEventRecording disables cash-movement creation from sale-completed
// events (push endpoint keeps acking; nothing is written). Operational
// escape hatch for replay storms.
//
// Set via env:
// - SKIP_SALE_EVENT_RECORDING=true
func SkipSaleEventRecording() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SKIP_SALE_EVENT_RECORDING")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
