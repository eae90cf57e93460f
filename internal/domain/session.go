package domain

import "time"

// SessionSpec defines a recurring daily trading window.
// Local wall-clock times are resolved to UTC per date, so sessions tied to a
// DST-observing market (London, New York) open at the actual market open
// year-round. An empty Location means the time is fixed UTC (Asian session).
type SessionSpec struct {
	Name     string        // e.g. "London_Open"
	Location string        // IANA tz, "" = fixed UTC
	Hour     int           // local hour
	Minute   int           // local minute
	Duration time.Duration // session length
}

// SessionInstance is one concrete occurrence of a session on a date.
type SessionInstance struct {
	Session  string    // SessionSpec.Name
	Open     time.Time // resolved UTC open
	Duration time.Duration

	// Degraded is set when the live quote subscription was not confirmed
	// before the open. Predictions still run on best-effort data.
	Degraded bool
}

// Close returns the instance close deadline.
func (si SessionInstance) Close() time.Time {
	return si.Open.Add(si.Duration)
}

// InstanceID identifies a session instance, e.g. "London_Open@2026-03-02T08:00:00Z".
func (si SessionInstance) InstanceID() string {
	return si.Session + "@" + si.Open.UTC().Format(time.RFC3339)
}
