package domain

const (
	MinTargets = 1
	MaxTargets = 3
)

type Cat struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ExperienceYears int     `json:"experience_years"`
	Breed           string  `json:"breed"`
	Salary          float64 `json:"salary"`
	IsAvailable     bool    `json:"is_available"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Mission struct {
	ID          string   `json:"id"`
	CatID       *string  `json:"cat_id,omitempty"`
	IsCompleted bool     `json:"is_completed"`
	Targets     []Target `json:"targets"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Assigned reports whether a cat reference is set, completed or not.
func (m Mission) Assigned() bool {
	return m.CatID != nil && *m.CatID != ""
}

// PendingTargets counts targets that are not yet completed.
func (m Mission) PendingTargets() int {
	n := 0
	for _, t := range m.Targets {
		if !t.IsCompleted {
			n++
		}
	}
	return n
}

type Target struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Notes       string `json:"notes"`
	IsCompleted bool   `json:"is_completed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// TargetSpec is a target as supplied at mission creation.
type TargetSpec struct {
	Name    string `json:"name"`
	Country string `json:"country"`
	Notes   string `json:"notes,omitempty"`
}

// CatPatch carries every field a caller tried to change. Only Salary is accepted.
type CatPatch struct {
	Name            *string  `json:"name,omitempty"`
	ExperienceYears *int     `json:"experience_years,omitempty"`
	Breed           *string  `json:"breed,omitempty"`
	Salary          *float64 `json:"salary,omitempty"`
	IsAvailable     *bool    `json:"is_available,omitempty"`

	// Fields lists every key the caller sent, including keys set to null.
	Fields []string `json:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
