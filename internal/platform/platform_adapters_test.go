package platform

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefu-chat/chatsync/internal/session"
)

func TestCodeIssuerConfigured(t *testing.T) {
	c := NewCodeIssuer("  fixed  ", t.TempDir())
	code, err := c.LoginCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", code)
}

func TestCodeIssuerDeviceCodeIsStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	c := NewCodeIssuer("", dir)

	first, err := c.LoginCode(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "dev-"))

	second, err := NewCodeIssuer("", dir).LoginCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(filepath.Join(dir, DeviceCodeFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCodeIssuerErrors(t *testing.T) {
	_, err := NewCodeIssuer("", "").LoginCode(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewCodeIssuer("x", "").LoginCode(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedConsent(t *testing.T) {
	for _, mode := range []string{session.DecisionAccept, session.DecisionReject, session.DecisionBan} {
		c, err := NewScriptedConsent(mode)
		require.NoError(t, err)
		res := <-c.Prompt(context.Background(), []string{"t1", "t2"})
		require.NoError(t, res.Err)
		assert.Equal(t, map[string]string{"t1": mode, "t2": mode}, res.Decisions)
	}

	c, err := NewScriptedConsent("fail")
	require.NoError(t, err)
	ch := c.Prompt(context.Background(), []string{"t1"})
	assert.ErrorIs(t, (<-ch).Err, ErrConsentUnavailable)
	_, open := <-ch
	assert.False(t, open)

	_, err = NewScriptedConsent("prompt")
	assert.Error(t, err)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pngBytes(t, w, h), 0o644))
}

func TestCompressFitsAndReencodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.png")
	writePNG(t, path, 400, 200)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out, err := Compress(data, 100, 70)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)

	_, err = Compress([]byte("not an image"), 100, 70)
	assert.Error(t, err)
}

func TestAlbumPick(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "beach-sunset.png"), 20, 20)
	writePNG(t, filepath.Join(dir, "receipt.png"), 20, 20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	newest := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "receipt.png"), newest, newest))

	names, err := ListAlbum(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"receipt.png", "beach-sunset.png"}, names)

	p := NewFilePicker(PickerConfig{AlbumDir: dir, Original: true})
	img, err := p.Pick(context.Background(), session.PickRequest{})
	require.NoError(t, err)
	assert.Equal(t, "receipt.png", img.Name, "newest without a query")
	assert.False(t, img.Compressed)

	img, err = p.Pick(context.Background(), session.PickRequest{Query: "sunset"})
	require.NoError(t, err)
	assert.Equal(t, "beach-sunset.png", img.Name)

	_, err = p.Pick(context.Background(), session.PickRequest{Query: "zzzz"})
	assert.ErrorIs(t, err, ErrNoImages)

	compressing := NewFilePicker(PickerConfig{AlbumDir: dir})
	img, err = compressing.Pick(context.Background(), session.PickRequest{Query: "beach"})
	require.NoError(t, err)
	assert.Equal(t, "beach-sunset.jpg", img.Name)
	assert.True(t, img.Compressed)
}

func TestAlbumPickErrors(t *testing.T) {
	_, err := NewFilePicker(PickerConfig{}).Pick(context.Background(), session.PickRequest{Sources: []session.ImageSource{session.SourceAlbum}})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = NewFilePicker(PickerConfig{AlbumDir: t.TempDir()}).Pick(context.Background(), session.PickRequest{})
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestCameraPickWaitsForNewPhoto(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePicker(PickerConfig{CameraDir: dir, CameraWait: 5 * time.Second, Original: true})

	shot := pngBytes(t, 10, 10)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "shot.png"), shot, 0o644)
	}()

	img, err := p.Pick(context.Background(), session.PickRequest{Sources: []session.ImageSource{session.SourceCamera}})
	require.NoError(t, err)
	assert.Equal(t, "shot.png", img.Name)
	assert.NotEmpty(t, img.Data)
}

func TestCameraPickTimeoutIsCancel(t *testing.T) {
	p := NewFilePicker(PickerConfig{CameraDir: t.TempDir(), CameraWait: 50 * time.Millisecond})
	_, err := p.Pick(context.Background(), session.PickRequest{})
	assert.ErrorIs(t, err, session.ErrPickCanceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFilePicker(PickerConfig{CameraDir: t.TempDir()}).Pick(ctx, session.PickRequest{})
	assert.ErrorIs(t, err, session.ErrPickCanceled)
}

func TestWriterNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewWriterNotifier(&buf)
	n.Notify(session.NewNotice(session.NoticeEmptyMessage))
	n.Notify(session.NewNotice(session.NoticeSubscribed))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Please enter a message")
	assert.Contains(t, lines[1], "Subscribed")
}
