package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRingBufferWrites(t *testing.T) {
	cases := []struct {
		name   string
		size   int
		writes []string
		want   string
	}{
		{"fits", 64, []string{"hello"}, "hello"},
		{"exact fill", 5, []string{"abcde"}, "abcde"},
		{"wraps", 10, []string{"abcdefghij", "12345"}, "fghij12345"},
		{"split write", 8, []string{"abcdef", "wxyz"}, "cdefwxyz"},
		{"oversized", 5, []string{"0123456789"}, "56789"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rb := NewRingBuffer(tc.size)
			for _, w := range tc.writes {
				n, err := rb.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := string(rb.Bytes()); got != tc.want {
				t.Errorf("Bytes = %q, want %q", got, tc.want)
			}
			if rb.Len() != len(tc.want) {
				t.Errorf("Len = %d, want %d", rb.Len(), len(tc.want))
			}
		})
	}
}

func TestRingBufferDump(t *testing.T) {
	rb := NewRingBuffer(16)
	_, _ = rb.Write([]byte("line one\n"))

	path := filepath.Join(t.TempDir(), "dump.log")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line one\n" {
		t.Errorf("dump = %q", data)
	}
}
