// Package platform holds the host-side adapters the session engine needs
// outside a chat client runtime: login codes, a scripted consent dialog, a
// file-system image picker and a text notifier, plus host detection.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detectPlatform()
	})
	return detectedPlatform
}

func detectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return detectLinuxOrWSL()
	default:
		return PlatformUnknown
	}
}

func detectLinuxOrWSL() Platform {
	// WSL_DISTRO_NAME is set in WSL environments
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return detectWSLVersion()
	}

	procVersion, err := os.ReadFile("/proc/version")
	if err != nil {
		return PlatformLinux
	}
	if strings.Contains(strings.ToLower(string(procVersion)), "microsoft") {
		return detectWSLVersion()
	}
	return PlatformLinux
}

// detectWSLVersion distinguishes between WSL1 and WSL2
func detectWSLVersion() Platform {
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft"
	// without "standard".
	if procVersion, err := os.ReadFile("/proc/version"); err == nil {
		v := string(procVersion)
		if strings.Contains(v, "microsoft-standard") {
			return PlatformWSL2
		}
		if strings.Contains(v, "Microsoft") {
			return PlatformWSL1
		}
	}

	// /run/WSL exists only in WSL2
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// UserAgent builds the User-Agent sent with every backend request,
// e.g. "chatsync/1.2.0 (Linux; amd64)".
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("chatsync/%s (%s; %s)", version, Detect(), runtime.GOARCH)
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where fsnotify events are unreliable (9p, nfs, cifs, sshfs), or "" when
// watching should work normally.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountFSType(string(mounts), absPath))
}

// mountFSType returns the filesystem type of the longest mount point
// containing absPath. Format: device mountpoint fstype options ...
func mountFSType(mounts, absPath string) string {
	var matchedMount, matchedFsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if strings.HasPrefix(absPath, mountPoint) && len(mountPoint) > len(matchedMount) {
			matchedMount = mountPoint
			matchedFsType = fsType
		}
	}
	return matchedFsType
}

func fsnotifyWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "Camera folder on 9p mount (WSL2 Windows filesystem): new photos may not be detected."
	case fsType == "nfs" || fsType == "nfs4":
		return "Camera folder on NFS mount: new photos may be detected late or not at all."
	case fsType == "cifs" || fsType == "smbfs":
		return "Camera folder on CIFS/SMB mount: new photos may be detected late or not at all."
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "Camera folder on SSHFS mount: new photos may not be detected."
	}
	return ""
}
