package datafile

import "testing"

func TestCountDiffLines(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want int
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 0},
		{"trailing whitespace ignored", []string{"a  ", "b\t"}, []string{"a", "b"}, 0},
		{"one changed", []string{"a", "b", "c"}, []string{"a", "x", "c"}, 1},
		{"replace uneven hunk", []string{"a", "b", "c", "d"}, []string{"a", "x", "d"}, 2},
		{"insertion", []string{"a"}, []string{"a", "b", "c"}, 2},
		{"deletion", []string{"a", "b", "c"}, []string{"c"}, 2},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountDiffLines(tt.a, tt.b); got != tt.want {
				t.Errorf("CountDiffLines() = %d, want %d", got, tt.want)
			}
		})
	}
}
