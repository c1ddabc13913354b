package server

import (
	"encoding/json"

	"spycat/internal/domain"
	"spycat/internal/engine"
)

// Request payloads

type CreateCatRequest struct {
	Name            string  `json:"name" minLength:"1" example:"Tom"`
	ExperienceYears int     `json:"experience_years" minimum:"0" example:"3"`
	Breed           string  `json:"breed" minLength:"1" example:"Siamese"`
	Salary          float64 `json:"salary" minimum:"0" example:"1200"`
}

// UpdateCatRequest lists every cat field so that attempts to change anything
// but salary reach the engine and are rejected with a clear message.
type UpdateCatRequest struct {
	Name            *string  `json:"name,omitempty"`
	ExperienceYears *int     `json:"experience_years,omitempty"`
	Breed           *string  `json:"breed,omitempty"`
	Salary          *float64 `json:"salary,omitempty"`
	IsAvailable     *bool    `json:"is_available,omitempty"`
}

type TargetRequest struct {
	Name    string `json:"name" minLength:"1" example:"Viktor"`
	Country string `json:"country" minLength:"1" example:"Estonia"`
	Notes   string `json:"notes,omitempty"`
}

type CreateMissionRequest struct {
	CatID   *string         `json:"cat_id,omitempty"`
	Targets []TargetRequest `json:"targets" minItems:"1" maxItems:"3"`
}

type UpdateNotesRequest struct {
	Notes string `json:"notes"`
}

// Response payloads

type CatResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	ExperienceYears int     `json:"experience_years"`
	Breed           string  `json:"breed"`
	Salary          float64 `json:"salary"`
	IsAvailable     bool    `json:"is_available"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type TargetResponse struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	Name        string `json:"name"`
	Country     string `json:"country"`
	Notes       string `json:"notes"`
	IsCompleted bool   `json:"is_completed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type MissionResponse struct {
	ID          string           `json:"id"`
	CatID       *string          `json:"cat_id"`
	IsCompleted bool             `json:"is_completed"`
	Targets     []TargetResponse `json:"targets"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

type TargetCompletionResponse struct {
	Target      TargetResponse  `json:"target"`
	Mission     MissionResponse `json:"mission"`
	CatReleased bool            `json:"cat_released"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

func catResponse(c domain.Cat) CatResponse {
	return CatResponse(c)
}

func targetResponse(t domain.Target) TargetResponse {
	return TargetResponse(t)
}

func missionResponse(m domain.Mission) MissionResponse {
	res := MissionResponse{
		ID:          m.ID,
		CatID:       m.CatID,
		IsCompleted: m.IsCompleted,
		Targets:     make([]TargetResponse, 0, len(m.Targets)),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	for _, t := range m.Targets {
		res.Targets = append(res.Targets, targetResponse(t))
	}
	return res
}

func completionResponse(c engine.TargetCompletion) TargetCompletionResponse {
	return TargetCompletionResponse{
		Target:      targetResponse(c.Target),
		Mission:     missionResponse(c.Mission),
		CatReleased: c.CatReleased,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapCats(items []domain.Cat) []CatResponse {
	out := make([]CatResponse, 0, len(items))
	for _, c := range items {
		out = append(out, catResponse(c))
	}
	return out
}

func mapMissions(items []domain.Mission) []MissionResponse {
	out := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func targetSpecs(in []TargetRequest) []domain.TargetSpec {
	out := make([]domain.TargetSpec, 0, len(in))
	for _, t := range in {
		out = append(out, domain.TargetSpec{Name: t.Name, Country: t.Country, Notes: t.Notes})
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
