package web

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/kefu-chat/chatsync/internal/platform"
	"github.com/kefu-chat/chatsync/internal/session"
)

type pickedImageKey struct{}

func withPickedImage(ctx context.Context, img session.PickedImage) context.Context {
	return context.WithValue(ctx, pickedImageKey{}, img)
}

// RequestPicker picks the image a browser uploaded with the request. The
// browser's file chooser is the pick step; the server only compresses.
// Calls without an uploaded image go to Fallback when set.
type RequestPicker struct {
	Fallback     session.ImagePicker
	Original     bool
	MaxDimension int
	JPEGQuality  int
}

func (p *RequestPicker) Pick(ctx context.Context, req session.PickRequest) (session.PickedImage, error) {
	img, ok := ctx.Value(pickedImageKey{}).(session.PickedImage)
	if !ok {
		if p.Fallback != nil {
			return p.Fallback.Pick(ctx, req)
		}
		return session.PickedImage{}, errors.New("no image in request")
	}
	if p.Original {
		return img, nil
	}

	maxDim, quality := p.MaxDimension, p.JPEGQuality
	if maxDim <= 0 {
		maxDim = platform.DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = platform.DefaultJPEGQuality
	}
	data, err := platform.Compress(img.Data, maxDim, quality)
	if err != nil {
		return session.PickedImage{}, err
	}
	return session.PickedImage{Name: jpegName(img.Name), Data: data, Compressed: true}, nil
}

func jpegName(name string) string {
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return "image.jpg"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}
