package checkpoint

import (
	"testing"
	"time"
)

func TestNew_SortsSegments(t *testing.T) {
	c := New([]string{"b", "a", "c"}, "dest")

	expected := []string{"a", "b", "c"}
	for i, s := range expected {
		if c.SourceSegments[i] != s {
			t.Errorf("expected segments[%d] = %q, got %q", i, s, c.SourceSegments[i])
		}
	}
	if c.ID == "" {
		t.Error("expected a generated id")
	}
	if c.Status != StatusOK {
		t.Errorf("expected status OK, got %s", c.Status)
	}
}

func TestJobKey_MatchesRegardlessOfInsertionOrder(t *testing.T) {
	key := NewJobKey([]string{"logs-2021", "logs-2020"}, "logs-all")
	c := New([]string{"logs-2020", "logs-2021"}, "logs-all")

	if !key.Matches(c) {
		t.Error("expected match for same segments in different insertion order")
	}
}

func TestJobKey_MatchesIgnoresProgressAndStatus(t *testing.T) {
	key := NewJobKey([]string{"a", "b"}, "dest")

	c := New([]string{"a", "b"}, "dest")
	c.CurrentSegment = "a"
	c.CurrentTask = "task-1"
	c.Status = StatusCrashed
	c.Message = "boom"
	c.LastUpdate = time.Now().Add(-time.Hour)

	if !key.Matches(c) {
		t.Error("expected match independent of progress and status fields")
	}
}

func TestJobKey_NoMatch(t *testing.T) {
	key := NewJobKey([]string{"a", "b"}, "dest")

	tests := []struct {
		name string
		c    *Checkpoint
	}{
		{"different destination", New([]string{"a", "b"}, "other")},
		{"missing segment", New([]string{"a"}, "dest")},
		{"extra segment", New([]string{"a", "b", "c"}, "dest")},
		{"different segment", New([]string{"a", "x"}, "dest")},
		{"nil checkpoint", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if key.Matches(tt.c) {
				t.Error("expected no match")
			}
		})
	}
}

func TestStamp_RefreshesLivenessFields(t *testing.T) {
	c := New([]string{"a"}, "dest")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stamp(c, now)

	if !c.LastUpdate.Equal(now) {
		t.Errorf("expected last update %v, got %v", now, c.LastUpdate)
	}
	if c.ProcessID == 0 {
		t.Error("expected process id to be set")
	}
}
