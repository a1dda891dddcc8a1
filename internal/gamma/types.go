package gamma

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metadata is the descriptive data Gamma holds for one market.
type Metadata struct {
	// ID is Gamma's market id, needed for the tag lookup. May be empty.
	ID          string
	Question    string
	Slug        string
	ConditionID string
	Outcomes    []string
	StartDate   *time.Time
	EndDate     *time.Time
}

type Tag struct {
	ID    string
	Label *string
	Slug  *string
}

type marketResponse struct {
	ID          flexString      `json:"id"`
	Question    string          `json:"question"`
	Slug        string          `json:"slug"`
	ConditionID string          `json:"conditionId"`
	Outcomes    json.RawMessage `json:"outcomes"`
	StartDate   string          `json:"startDate"`
	EndDate     string          `json:"endDate"`
}

type tagResponse struct {
	ID    flexString `json:"id"`
	Label *string    `json:"label"`
	Slug  *string    `json:"slug"`
}

func (m marketResponse) toMetadata() (*Metadata, error) {
	outcomes, err := decodeOutcomes(m.Outcomes)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		ID:          string(m.ID),
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Outcomes:    outcomes,
		StartDate:   parseTime(m.StartDate),
		EndDate:     parseTime(m.EndDate),
	}, nil
}

// flexString accepts a JSON string or number. Gamma is not consistent about
// id types across endpoints.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// decodeOutcomes handles the double-encoded form `"[\"Yes\",\"No\"]"` as well
// as a plain JSON array.
func decodeOutcomes(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("outcomes: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		raw = json.RawMessage(encoded)
	}

	var outcomes []string
	if err := json.Unmarshal(raw, &outcomes); err != nil {
		return nil, fmt.Errorf("outcomes: %w", err)
	}
	return outcomes, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02",
}

// parseTime returns nil for empty or unrecognised values.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
