// Package imagesource acquires report images from an uploaded file or a
// camera and resolves either into bytes for submission.
package imagesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vbonduro/reunite/internal/datauri"
	"github.com/vbonduro/reunite/internal/domain"
)

// ErrAcquisitionRejected means no image was obtained: no file was chosen or
// the camera had no frame ready. Callers treat it as a no-op.
var ErrAcquisitionRejected = errors.New("image acquisition rejected")

// FromUpload reads a user-chosen file. The bytes and declared MIME type are
// passed through unchanged. A nil reader means no file was chosen.
func FromUpload(filename, declaredType string, r io.Reader) (domain.Uploaded, error) {
	if r == nil {
		return domain.Uploaded{}, ErrAcquisitionRejected
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Uploaded{}, fmt.Errorf("failed to read upload: %w", err)
	}
	return domain.Uploaded{Blob: domain.Blob{
		Filename: filename,
		MIMEType: declaredType,
		Data:     data,
	}}, nil
}

// Camera produces still frames as data URIs. An empty frame with a nil error
// means the device has not produced a frame yet.
type Camera interface {
	Screenshot(ctx context.Context) (string, error)
}

// CameraFunc adapts a function to Camera.
type CameraFunc func(ctx context.Context) (string, error)

func (f CameraFunc) Screenshot(ctx context.Context) (string, error) {
	return f(ctx)
}

// Frame returns a Camera that yields a frame captured elsewhere, such as a
// data URI posted by a browser webcam.
func Frame(dataURI string) Camera {
	return CameraFunc(func(context.Context) (string, error) {
		return dataURI, nil
	})
}

// Capture requests one still frame from cam. A missing or malformed frame is
// rejected with ErrAcquisitionRejected and never reaches normalization.
func Capture(ctx context.Context, cam Camera) (domain.Captured, error) {
	if cam == nil {
		return domain.Captured{}, fmt.Errorf("%w: no camera", ErrAcquisitionRejected)
	}
	frame, err := cam.Screenshot(ctx)
	if err != nil {
		return domain.Captured{}, fmt.Errorf("%w: %v", ErrAcquisitionRejected, err)
	}
	if frame == "" {
		return domain.Captured{}, fmt.Errorf("%w: camera not ready", ErrAcquisitionRejected)
	}
	if !datauri.Valid(frame) {
		return domain.Captured{}, fmt.Errorf("%w: malformed frame", ErrAcquisitionRejected)
	}
	return domain.Captured{Frame: domain.CapturedFrame{
		DataURI:    frame,
		CapturedAt: time.Now(),
	}}, nil
}

// Resolve turns an image source into transmittable bytes. Uploads pass
// through untouched; captured frames are normalized.
func Resolve(src domain.ImageSource) (domain.Blob, error) {
	switch s := src.(type) {
	case domain.Uploaded:
		return s.Blob, nil
	case domain.Captured:
		return datauri.Normalize(s.Frame.DataURI)
	case nil:
		return domain.Blob{}, ErrAcquisitionRejected
	default:
		return domain.Blob{}, fmt.Errorf("unknown image source %T", src)
	}
}

// allowedImageTypes is the set of MIME types recognised by sniffing.
// net/http.DetectContentType handles JPEG, PNG, and GIF via magic bytes. WebP
// is detected separately because the stdlib sniffer has no WebP signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a RIFF container with "WEBP" at offset 8.
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// DetectMIME sniffs data and returns its image MIME type, or ("", false) when
// data is not a recognised image.
func DetectMIME(data []byte) (string, bool) {
	if isWebP(data) {
		return "image/webp", true
	}
	mimeType := http.DetectContentType(data)
	if allowedImageTypes[mimeType] {
		return mimeType, true
	}
	return "", false
}
