package gamma

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"double encoded", `"[\"Up\", \"Down\"]"`, []string{"Up", "Down"}, false},
		{"plain array", `["Yes","No"]`, []string{"Yes", "No"}, false},
		{"null", `null`, nil, false},
		{"empty string", `""`, nil, false},
		{"garbage string", `"Yes/No"`, nil, true},
		{"number", `42`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeOutcomes(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2024-03-01T12:00:00Z", ptrTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))},
		{"2024-03-01T12:00:00.5+02:00", ptrTime(time.Date(2024, 3, 1, 10, 0, 0, 500000000, time.UTC))},
		{"2024-03-01 12:00:00+00", ptrTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))},
		{"2024-03-01", ptrTime(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))},
		{"", nil},
		{"soon", nil},
	}
	for _, tt := range tests {
		got := parseTime(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("parseTime(%q) = %v, want nil", tt.in, got)
		case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
			t.Errorf("parseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFlexString(t *testing.T) {
	var v struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
		C flexString `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": "12", "b": 34, "c": null}`), &v); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if v.A != "12" || v.B != "34" || v.C != "" {
		t.Errorf("unexpected values %+v", v)
	}

	if err := json.Unmarshal([]byte(`{"a": true}`), &v); err == nil {
		t.Error("expected error for boolean id")
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
