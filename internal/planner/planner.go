// Package planner decides which source segment a migration job works on next.
// Segments are always processed in lexicographically sorted order so the plan
// is deterministic regardless of how the cluster listed them.
package planner

import (
	"fmt"
	"sort"

	"indices2one/internal/checkpoint"
)

// NextSegment returns the segment after the checkpoint's current one, the
// first segment when none has started, or "" when every segment is done.
//
// A current segment that is missing from the checkpoint's segment set means
// the checkpoint is corrupt; that is a fatal condition, not something to
// guess around.
func NextSegment(c *checkpoint.Checkpoint) (string, error) {
	segments := sortedSegments(c)
	if len(segments) == 0 {
		return "", nil
	}

	if c.CurrentSegment == "" {
		return segments[0], nil
	}

	for i, s := range segments {
		if s == c.CurrentSegment {
			if i == len(segments)-1 {
				return "", nil
			}
			return segments[i+1], nil
		}
	}

	return "", fmt.Errorf("checkpoint %s is corrupt: current segment %q is not in its segment set",
		c.ID, c.CurrentSegment)
}

// IsJobComplete reports whether the job has nothing left to do: no task is
// running and no segment follows the current one
func IsJobComplete(c *checkpoint.Checkpoint, taskRunning bool) (bool, error) {
	if taskRunning {
		return false, nil
	}
	next, err := NextSegment(c)
	if err != nil {
		return false, err
	}
	return next == "", nil
}

func sortedSegments(c *checkpoint.Checkpoint) []string {
	segments := make([]string, len(c.SourceSegments))
	copy(segments, c.SourceSegments)
	sort.Strings(segments)
	return segments
}
