package models

import "time"

type MessageEnvelope struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`  // Business data
	Metadata  Metadata               `json:"metadata"` // trace_id, run_id
}

type Metadata struct {
	TraceID    string                 `json:"trace_id,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}
