package convert

import "testing"

func TestChangedLines(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   int
	}{
		{name: "identical", before: "a\nb\nc\n", after: "a\nb\nc\n", want: 0},
		{name: "one changed", before: "a\nb\nc\n", after: "a\nX\nc\n", want: 1},
		{name: "line added", before: "a\n", after: "a\nb\n", want: 1},
		{name: "line removed", before: "a\nb\n", after: "a\n", want: 1},
		{name: "both empty", before: "", after: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChangedLines(tt.before, tt.after); got != tt.want {
				t.Errorf("ChangedLines = %d, want %d", got, tt.want)
			}
		})
	}
}
