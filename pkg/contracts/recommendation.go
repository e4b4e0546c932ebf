package contracts

import "time"

// Recommendation is a trigger event produced by the telemetry pipeline.
// Candidates optionally lists alternative playbooks; when present the
// scheduler picks the historically most reliable one.
type Recommendation struct {
	ID         string         `json:"id"`
	Service    string         `json:"service"`
	PlaybookID string         `json:"playbook_id"`
	Candidates []string       `json:"candidates,omitempty"`
	Confidence float64        `json:"confidence"`
	Diagnosis  Diagnosis      `json:"diagnosis"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`

	// Receipt is an opaque delivery handle owned by the source.
	Receipt string `json:"-"`
}
