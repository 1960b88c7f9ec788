package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DeviceCodeFile holds the generated login code under the data directory.
const DeviceCodeFile = "device-code"

// CodeIssuer hands out the login code a backend exchanges for an identity.
// Outside a chat client runtime there is no platform login, so the code is
// either configured or a device code generated once and kept on disk, which
// keeps the identity stable across runs.
type CodeIssuer struct {
	code string
	dir  string
}

// NewCodeIssuer returns an issuer for code. When code is empty the device
// code under dir is used, created on first use.
func NewCodeIssuer(code, dir string) *CodeIssuer {
	return &CodeIssuer{code: strings.TrimSpace(code), dir: dir}
}

func (c *CodeIssuer) LoginCode(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.code != "" {
		return c.code, nil
	}
	if c.dir == "" {
		return "", errors.New("no login code configured")
	}
	return DeviceCode(c.dir)
}

// DeviceCode reads the device code from dir, generating and saving a new
// one when the file is missing or empty.
func DeviceCode(dir string) (string, error) {
	path := filepath.Join(dir, DeviceCodeFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if code := strings.TrimSpace(string(data)); code != "" {
			return code, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device code: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	code := "dev-" + uuid.NewString()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(code+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device code: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("save device code: %w", err)
	}
	return code, nil
}
