// Package clipboard copies chat messages out of the terminal view.
package clipboard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/aymanbagabas/go-osc52/v2"
)

// ErrNothingToCopy is returned for empty text.
var ErrNothingToCopy = errors.New("no content to copy")

// CopyResult describes a successful copy.
type CopyResult struct {
	Method    string // "native" or "osc52"
	ByteSize  int
	LineCount int
}

// writeNative is swapped in tests.
var writeNative = func(text string) error {
	if clipboard.Unsupported {
		return errors.New("no native clipboard on this system")
	}
	return clipboard.WriteAll(text)
}

// Copy puts text on the system clipboard, falling back to an OSC 52 escape
// sequence written to term. A nil term disables the fallback.
func Copy(text string, term io.Writer) (*CopyResult, error) {
	if text == "" {
		return nil, ErrNothingToCopy
	}
	res := &CopyResult{ByteSize: len(text), LineCount: countLines(text)}

	nativeErr := writeNative(text)
	if nativeErr == nil {
		res.Method = "native"
		return res, nil
	}
	if term == nil {
		return nil, fmt.Errorf("copy: %w", nativeErr)
	}

	seq := osc52.New(text)
	if os.Getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if strings.HasPrefix(os.Getenv("TERM"), "screen") {
		seq = seq.Screen()
	}
	if _, err := seq.WriteTo(term); err != nil {
		return nil, fmt.Errorf("OSC 52 clipboard failed: %w", err)
	}
	res.Method = "osc52"
	return res, nil
}

// countLines counts lines; a trailing newline does not add one.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
