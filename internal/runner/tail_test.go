package runner

import "testing"

func TestOutputTail(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"empty", 8, nil, ""},
		{"under capacity", 8, []string{"abc", "de"}, "abcde"},
		{"exactly full", 4, []string{"ab", "cd"}, "abcd"},
		{"wraps", 4, []string{"abc", "def"}, "cdef"},
		{"oversized write", 4, []string{"x", "0123456789"}, "6789"},
		{"many small writes", 3, []string{"a", "b", "c", "d", "e"}, "cde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tail := newOutputTail(tt.size)
			for _, w := range tt.writes {
				n, err := tail.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := string(tail.Bytes()); got != tt.want {
				t.Fatalf("Bytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutputTail_DefaultSize(t *testing.T) {
	if got := len(newOutputTail(0).buf); got != DefaultTailBytes {
		t.Fatalf("default size = %d, want %d", got, DefaultTailBytes)
	}
}
