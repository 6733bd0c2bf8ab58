// File: api/schemas/schemas.go
package schemas

import (
	"time"
)

// RequesterProfile carries the personal data substituted into templated
// cache entries and passed to the generation collaborator.
type RequesterProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Location  string `json:"location,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
	Website   string `json:"website,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// FullName returns the profile's display name.
func (p RequesterProfile) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	default:
		return p.FirstName + " " + p.LastName
	}
}

// Complete reports whether the profile carries the minimum data needed to
// fill an application.
func (p RequesterProfile) Complete() bool {
	return p.FirstName != "" && p.LastName != "" && p.Email != ""
}

// TargetContext describes the application target for generation prompts and
// cache personalization.
type TargetContext struct {
	URL         string `json:"url"`
	Kind        string `json:"kind,omitempty"`
	Company     string `json:"company,omitempty"`
	Position    string `json:"position,omitempty"`
	Description string `json:"description,omitempty"`
}

// JobPayload is the unit of work consumed from the persistent job queue.
type JobPayload struct {
	ApplicationID string `json:"applicationId"`
	TargetURL     string `json:"targetUrl"`
	TargetKind    string `json:"targetKind"`
	RequesterID   string `json:"requesterId"`
}

// ApplicationResult is produced once per orchestrated run and never mutated
// after return.
type ApplicationResult struct {
	Success                 bool          `json:"success"`
	FieldsExtracted         int           `json:"fieldsExtracted"`
	FieldsFilled            int           `json:"fieldsFilled"`
	Cost                    float64       `json:"cost"`
	Duration                time.Duration `json:"duration"`
	Errors                  []string      `json:"errors,omitempty"`
	Warnings                []string      `json:"warnings,omitempty"`
	Screenshot              []byte        `json:"-"`
	NeedsManualIntervention bool          `json:"needsManualIntervention"`
}
