package domain

import "time"

// PresenceState is a user's connectivity flag
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the per-user status stored in the realtime store.
// A zero LastChanged on write is replaced by the store's clock. Seq is assigned
// by the store and increases with every write to the same user; watchers order
// deliveries by it rather than by LastChanged.
type PresenceRecord struct {
	Seq         int64         `json:"seq,omitempty"`
	State       PresenceState `json:"state"`
	LastChanged time.Time     `json:"last_changed"`
}

// Online returns an online record stamped by the store
func Online() PresenceRecord {
	return PresenceRecord{State: PresenceOnline}
}

// Offline returns an offline record stamped by the store
func Offline() PresenceRecord {
	return PresenceRecord{State: PresenceOffline}
}

// IsOnline treats a nil record as offline
func (p *PresenceRecord) IsOnline() bool {
	return p != nil && p.State == PresenceOnline
}
