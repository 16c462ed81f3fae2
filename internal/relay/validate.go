package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"groupline/internal/domain"
)

// transferPayload is the untyped inbound body. Canonical field names are
// credential, group_id, and user_id; the remaining tags are legacy aliases
// kept for older callers. Ids are raw because callers send them as either
// JSON numbers or numeric strings.
type transferPayload struct {
	Credential *string `json:"credential"`

	GroupID        json.RawMessage `json:"group_id"`
	GroupIDAlias   json.RawMessage `json:"groupId"`
	SourceEntityID json.RawMessage `json:"sourceEntityId"`

	UserID         json.RawMessage `json:"user_id"`
	UserIDAlias    json.RawMessage `json:"userId"`
	TargetID       json.RawMessage `json:"targetId"`
	TargetEntityID json.RawMessage `json:"targetEntityId"`
}

// Validator normalizes and validates raw transfer payloads. Pure: identical
// input bytes always yield identical results and no side effects.
type Validator struct {
	// CookiePrefix is stripped from the credential when the transport passed
	// a whole cookie pair instead of the bare secret, e.g. "GROUPSESSION=".
	CookiePrefix string
	MinLength    int
}

// Validate parses body into a TransferInput or returns a *ValidationError
// naming the offending field.
func (v Validator) Validate(body []byte) (domain.TransferInput, error) {
	var input domain.TransferInput
	if len(bytes.TrimSpace(body)) == 0 {
		return input, &ValidationError{Reason: "body is empty"}
	}
	var payload transferPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return input, &ValidationError{Reason: "body is not valid JSON"}
	}

	credential, err := v.normalizeCredential(payload.Credential)
	if err != nil {
		return input, err
	}
	groupID, err := parseEntityID("group_id", firstRaw(payload.GroupID, payload.GroupIDAlias, payload.SourceEntityID))
	if err != nil {
		return input, err
	}
	userID, err := parseEntityID("user_id", firstRaw(payload.UserID, payload.UserIDAlias, payload.TargetID, payload.TargetEntityID))
	if err != nil {
		return input, err
	}

	input.Credential = credential
	input.GroupID = groupID
	input.UserID = userID
	return input, nil
}

func (v Validator) normalizeCredential(raw *string) (string, error) {
	if raw == nil {
		return "", &ValidationError{Field: "credential", Reason: "field is required"}
	}
	credential := strings.TrimSpace(*raw)
	if prefix := strings.TrimSpace(v.CookiePrefix); prefix != "" {
		if rest, ok := strings.CutPrefix(credential, prefix); ok {
			credential = strings.TrimSpace(rest)
		}
	}
	if credential == "" {
		return "", &ValidationError{Field: "credential", Reason: "field is required"}
	}
	if len(credential) < v.MinLength {
		return "", &ValidationError{Field: "credential", Reason: fmt.Sprintf("must be at least %d characters", v.MinLength)}
	}
	return credential, nil
}

// parseEntityID accepts a JSON number or a numeric string. Values must be
// strictly positive base-10 integers, distinct from the placeholder id 0.
func parseEntityID(field string, raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, &ValidationError{Field: field, Reason: "field is required"}
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return 0, &ValidationError{Field: field, Reason: "field is required"}
	}
	if strings.HasPrefix(text, `"`) {
		var unquoted string
		if err := json.Unmarshal(raw, &unquoted); err != nil {
			return 0, &ValidationError{Field: field, Reason: "must be a base-10 integer"}
		}
		text = strings.TrimSpace(unquoted)
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: "must be a base-10 integer"}
	}
	if value <= 0 {
		return 0, &ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return value, nil
}

func firstRaw(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}
