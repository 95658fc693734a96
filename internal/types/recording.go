package types

import "time"

// Recording is a finished capture session, kept so the synthesis pipeline can
// be re-run offline
type Recording struct {
	ID                  string               `json:"id" yaml:"id"`
	Name                string               `json:"name,omitempty" yaml:"name,omitempty"`
	StartURL            string               `json:"start_url,omitempty" yaml:"start_url,omitempty"`
	StartedAt           time.Time            `json:"started_at" yaml:"started_at"`
	StoppedAt           time.Time            `json:"stopped_at" yaml:"stopped_at"`
	Actions             []RecordedAction     `json:"actions" yaml:"actions"`
	EnrichmentVariables []EnrichmentVariable `json:"enrichment_variables,omitempty" yaml:"enrichment_variables,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EnrichmentVariable is a variable hint produced by the optional annotator for
// the action at ActionIndex
type EnrichmentVariable struct {
	ActionIndex int     `json:"action_index" yaml:"action_index"`
	Name        string  `json:"name" yaml:"name"`
	Format      string  `json:"format,omitempty" yaml:"format,omitempty"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
}

// RecordingSummary is the list view of a stored recording
type RecordingSummary struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Actions   int       `json:"actions" yaml:"actions"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// Summary returns the list view of r
func (r *Recording) Summary() RecordingSummary {
	return RecordingSummary{ID: r.ID, Name: r.Name, Actions: len(r.Actions), StartedAt: r.StartedAt}
}
