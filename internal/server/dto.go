package server

import "groupline/internal/domain"

// TransferResponse is the success envelope: a boolean indicator plus
// whatever structured payload the remote returned for the mutation.
type TransferResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// AttemptsResponse lists recent audit entries.
type AttemptsResponse struct {
	Items []domain.Attempt `json:"items"`
}
