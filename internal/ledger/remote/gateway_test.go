package remote

import "testing"

func TestNextRevision(t *testing.T) {
	tests := []struct {
		name            string
		expected, local int64
		want            int64
	}{
		{"create", 0, 0, 1},
		{"local behind remote", 4, 2, 5},
		{"local caught up", 1, 2, 2},
		{"local ahead after offline edits", 2, 6, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextRevision(tt.expected, tt.local); got != tt.want {
				t.Errorf("NextRevision(%d, %d) = %d, want %d", tt.expected, tt.local, got, tt.want)
			}
		})
	}
}
