package domain

import "time"

// EventType is what the producer observed: a fresh project, an install or an update.
type EventType string

const (
	EventNewInstall EventType = "new_install"
	EventInstall    EventType = "install"
	EventUpdate     EventType = "update"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventNewInstall, EventInstall, EventUpdate:
		return true
	}
	return false
}

// Event is one stored telemetry ping. ID and CreatedAt are assigned by the
// event store; every other field comes from the producer or geo enrichment.
// Nullable columns are pointers so that a null stays null across storage.
type Event struct {
	ID           int64     `json:"id"`
	TYPO3Version string    `json:"typo3_version"`
	PHPVersion   string    `json:"php_version"`
	Type         EventType `json:"event_type"`
	ProjectHash  string    `json:"project_hash"`
	OS           *string   `json:"os"`
	City         *string   `json:"city"`
	Country      *string   `json:"country"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	CreatedAt    time.Time `json:"created_at"`
}

// Location is the result of a geo lookup. Any field may be nil.
type Location struct {
	City      *string
	Country   *string
	Latitude  *float64
	Longitude *float64
}

// Apply copies the location onto the event.
func (l Location) Apply(ev *Event) {
	ev.City = l.City
	ev.Country = l.Country
	ev.Latitude = l.Latitude
	ev.Longitude = l.Longitude
}

// PublicEvent is the subset of an event shown on the dashboard.
// project_hash and os are never published.
type PublicEvent struct {
	ID           int64     `json:"id"`
	TYPO3Version string    `json:"typo3_version"`
	PHPVersion   string    `json:"php_version"`
	Type         EventType `json:"event_type"`
	City         *string   `json:"city"`
	Country      *string   `json:"country"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ev Event) Public() PublicEvent {
	return PublicEvent{
		ID:           ev.ID,
		TYPO3Version: ev.TYPO3Version,
		PHPVersion:   ev.PHPVersion,
		Type:         ev.Type,
		City:         ev.City,
		Country:      ev.Country,
		Latitude:     ev.Latitude,
		Longitude:    ev.Longitude,
		CreatedAt:    ev.CreatedAt,
	}
}

// Validation constraints
const (
	ProjectHashLen = 16
	MaxOSLen       = 64
)
