package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/sahilm/fuzzy"

	"github.com/kefu-chat/chatsync/internal/logging"
	"github.com/kefu-chat/chatsync/internal/session"
)

var pickerLog = logging.ForComponent(logging.CompPicker)

const (
	DefaultCameraWait   = 60 * time.Second
	DefaultMaxDimension = 1280
	DefaultJPEGQuality  = 80
)

var (
	// ErrNoImages means the album folder holds no usable image.
	ErrNoImages = errors.New("no images found")
	// ErrSourceUnavailable means the requested source has no folder configured.
	ErrSourceUnavailable = errors.New("image source not configured")
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// PickerConfig configures a FilePicker.
type PickerConfig struct {
	AlbumDir  string
	CameraDir string
	// CameraWait bounds how long a camera pick waits for a new photo.
	CameraWait time.Duration
	// Original sends files untouched; otherwise images are downscaled to
	// MaxDimension and re-encoded as JPEG.
	Original     bool
	MaxDimension int
	JPEGQuality  int
}

// FilePicker picks images from folders: the album is an existing
// directory of pictures, the camera is a directory a capture tool drops new
// photos into.
type FilePicker struct {
	cfg PickerConfig
}

// NewFilePicker returns a picker, filling unset limits with defaults.
func NewFilePicker(cfg PickerConfig) *FilePicker {
	if cfg.CameraWait <= 0 {
		cfg.CameraWait = DefaultCameraWait
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	return &FilePicker{cfg: cfg}
}

// Pick returns one image. The first requested source wins; with no sources
// an album query or a missing camera folder selects the album, otherwise
// the camera. Running out of camera wait or ctx counts as a cancel.
func (p *FilePicker) Pick(ctx context.Context, req session.PickRequest) (session.PickedImage, error) {
	var path string
	var err error
	switch p.source(req) {
	case session.SourceCamera:
		path, err = p.waitForPhoto(ctx)
	default:
		path, err = p.fromAlbum(req.Query)
	}
	if err != nil {
		return session.PickedImage{}, err
	}
	return p.load(path)
}

func (p *FilePicker) source(req session.PickRequest) session.ImageSource {
	if len(req.Sources) > 0 {
		return req.Sources[0]
	}
	if req.Query != "" || p.cfg.CameraDir == "" {
		return session.SourceAlbum
	}
	return session.SourceCamera
}

type albumEntry struct {
	name    string
	path    string
	modTime time.Time
}

type albumSource []albumEntry

func (s albumSource) String(i int) string { return s[i].name }
func (s albumSource) Len() int            { return len(s) }

// ListAlbum returns the images in dir, most recent first.
func ListAlbum(dir string) ([]string, error) {
	entries, err := listImages(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

func listImages(dir string) (albumSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out albumSource
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}
		e := albumEntry{name: entry.Name(), path: filepath.Join(dir, entry.Name())}
		if info, err := entry.Info(); err == nil {
			e.modTime = info.ModTime()
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].modTime.After(out[j].modTime)
	})
	return out, nil
}

// fromAlbum returns the best fuzzy match for query, or the newest image
// when query is empty.
func (p *FilePicker) fromAlbum(query string) (string, error) {
	if p.cfg.AlbumDir == "" {
		return "", fmt.Errorf("album: %w", ErrSourceUnavailable)
	}
	images, err := listImages(p.cfg.AlbumDir)
	if err != nil {
		return "", fmt.Errorf("read album: %w", err)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("album %s: %w", p.cfg.AlbumDir, ErrNoImages)
	}
	if query == "" {
		return images[0].path, nil
	}
	matches := fuzzy.FindFrom(query, images)
	if len(matches) == 0 {
		return "", fmt.Errorf("album: no image matches %q: %w", query, ErrNoImages)
	}
	return images[matches[0].Index].path, nil
}

// waitForPhoto watches the camera folder until a new image appears.
func (p *FilePicker) waitForPhoto(ctx context.Context) (string, error) {
	dir := p.cfg.CameraDir
	if dir == "" {
		return "", fmt.Errorf("camera: %w", ErrSourceUnavailable)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("camera dir: %w", err)
	}
	if warn := CheckFsnotifySupport(dir); warn != "" {
		pickerLog.Warn("camera_watch_unreliable", slog.String("warning", warn))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("camera watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("camera watch %s: %w", dir, err)
	}
	pickerLog.Info("camera_waiting", slog.String("dir", dir), slog.Duration("timeout", p.cfg.CameraWait))

	timeout := time.NewTimer(p.cfg.CameraWait)
	defer timeout.Stop()

	// Capture tools often create the file and then write it in chunks, so
	// the pick settles only after writes go quiet.
	const settle = 150 * time.Millisecond
	var pending string
	var settleC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return "", session.ErrPickCanceled
		case <-timeout.C:
			pickerLog.Info("camera_timeout")
			return "", session.ErrPickCanceled
		case event, ok := <-watcher.Events:
			if !ok {
				return "", session.ErrPickCanceled
			}
			if !isImage(event.Name) || !(event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write)) {
				continue
			}
			pending = event.Name
			settleC = time.After(settle)
		case <-settleC:
			return pending, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", session.ErrPickCanceled
			}
			pickerLog.Warn("camera_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (p *FilePicker) load(path string) (session.PickedImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.PickedImage{}, fmt.Errorf("read image: %w", err)
	}
	name := filepath.Base(path)
	if p.cfg.Original {
		return session.PickedImage{Name: name, Data: data}, nil
	}

	compressed, err := Compress(data, p.cfg.MaxDimension, p.cfg.JPEGQuality)
	if err != nil {
		return session.PickedImage{}, err
	}
	pickerLog.Debug("image_compressed",
		slog.String("name", name),
		slog.Int("original_bytes", len(data)),
		slog.Int("compressed_bytes", len(compressed)))
	return session.PickedImage{
		Name:       strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg",
		Data:       compressed,
		Compressed: true,
	}, nil
}

// Compress decodes an image, fits it inside maxDim x maxDim and encodes it
// as JPEG at quality.
func Compress(data []byte, maxDim, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > maxDim || b.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func isImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}
