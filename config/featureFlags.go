package config

import (
	"os"
	"strings"
)

// StrictStageOrder refuses to start a production stage while an earlier
// stage of the same job is still open.
//
// Set via env:
// - STRICT_STAGE_ORDER=true
func StrictStageOrder() bool {
	return boolFromEnv("STRICT_STAGE_ORDER")
}

// SkipMigrations disables AutoMigrate on boot.
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS")
}

// DefaultPhoneRegion is the region used to parse contact phones that are
// not written in international form.
func DefaultPhoneRegion() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("DEFAULT_PHONE_REGION")))
	if v == "" {
		return "MM"
	}
	return v
}

// OutboxEventEnabled lets ops switch off individual production events.
//
// Set via env:
// - OUTBOX_DISABLED_EVENTS="APPROVAL_REQUESTED,JOB_CANCELLED"
//
// Event names are case-insensitive.
func OutboxEventEnabled(eventType string) bool {
	eventType = strings.ToUpper(strings.TrimSpace(eventType))
	if eventType == "" {
		return false
	}
	raw := os.Getenv("OUTBOX_DISABLED_EVENTS")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToUpper(strings.TrimSpace(part)) == eventType {
			return false
		}
	}
	return true
}
