package types

import (
	"fmt"
	"time"
)

// CurrentSessionStateVersion is the current version of the persisted session
// state. Increment this value when a migration is needed.
const CurrentSessionStateVersion = 1

// SessionState is the persisted record of the current charging session.
// The json keys match the state file written by earlier deployments.
type SessionState struct {
	IsCharging               bool       `json:"charging"`
	SessionStartTime         *time.Time `json:"startTime"`
	SessionStartSOCPct       *float64   `json:"startSOC"`
	CachedBatteryCapacityKWh *float64   `json:"batteryCapacity"`
	StartNotificationSent    bool       `json:"chargingStartNotificationSent"`
	// StopRequestedAt is set after a successful stop command and cleared once
	// the hardware reports it is no longer charging.
	StopRequestedAt *time.Time `json:"stopRequestedAt,omitempty"`
}

// Validate checks the session invariants.
func (s SessionState) Validate() error {
	if s.IsCharging {
		if s.SessionStartTime == nil || s.SessionStartSOCPct == nil {
			return fmt.Errorf("charging session is missing its start time or start soc")
		}
		return nil
	}
	if s.SessionStartTime != nil || s.SessionStartSOCPct != nil {
		return fmt.Errorf("idle session has a start time or start soc")
	}
	if s.StartNotificationSent {
		return fmt.Errorf("idle session has start notification sent")
	}
	return nil
}

// MigrateSessionState migrates the session state to the current version.
// It returns the migrated state, a boolean indicating if changes were made,
// and an error if migration failed.
func MigrateSessionState(s SessionState, currentVersion int) (SessionState, bool, error) {
	if currentVersion >= CurrentSessionStateVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSessionStateVersion; version++ {
		switch version {
		case 1:
			// version 1: unversioned files left startSOC/startTime behind after
			// a stop, and could be charging without a start time
			if !s.IsCharging {
				if s.SessionStartTime != nil || s.SessionStartSOCPct != nil || s.StartNotificationSent {
					s.SessionStartTime = nil
					s.SessionStartSOCPct = nil
					s.StartNotificationSent = false
					migrated = true
				}
			} else if s.SessionStartTime == nil || s.SessionStartSOCPct == nil {
				// we can't reconstruct the session so treat it as unknown and
				// let the hardware state drive the next transition
				s.IsCharging = false
				s.SessionStartTime = nil
				s.SessionStartSOCPct = nil
				s.StartNotificationSent = false
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown session state version: %d", version)
		}
	}

	return s, migrated, nil
}
