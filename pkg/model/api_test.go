package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ListOptions{Limit: 0, Offset: 0}, 20, 0},
		{"negative limit", ListOptions{Limit: -5, Offset: 0}, 20, 0},
		{"over max", ListOptions{Limit: 200, Offset: 0}, 100, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"valid", ListOptions{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestDefaultListOptions(t *testing.T) {
	opts := DefaultListOptions()
	if opts.Limit != 20 {
		t.Errorf("Limit = %d, want 20", opts.Limit)
	}
	if opts.Offset != 0 {
		t.Errorf("Offset = %d, want 0", opts.Offset)
	}
}

func TestGroupSummary_JSONKeys(t *testing.T) {
	s := GroupSummary{
		GroupID:   "grp_1",
		Status:    StatusRunning,
		JobCounts: map[Status]int{StatusRunning: 2},
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"group_id":"grp_1"`, `"job_counts":{"running":2}`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}
	if strings.Contains(string(data), "started_at") {
		t.Errorf("nil started_at should be omitted: %s", data)
	}
}

func TestGateway_TokenHashNotSerialized(t *testing.T) {
	data, err := json.Marshal(Gateway{ID: "gw_1", TokenHash: "secret"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("token hash leaked into JSON: %s", data)
	}
}

func TestDownloadMessage_WireFormat(t *testing.T) {
	data, _ := json.Marshal(DownloadMessage{JobID: "job_1", SourceRef: "src/blink.zip"})
	want := `{"job_id":"job_1","source_reference":"src/blink.zip"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
