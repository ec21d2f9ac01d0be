// Package datauri converts camera frames between their data URI form
// (data:<mime>;base64,<payload>) and raw image bytes.
package datauri

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/vbonduro/reunite/internal/domain"
)

// ErrInvalidFormat is returned for input that is empty, is not an image data
// URI, or carries a payload that is not canonical Base64.
var ErrInvalidFormat = errors.New("invalid data uri")

const (
	imagePrefix  = "data:image"
	base64Suffix = ";base64"
)

// Normalize decodes an image data URI into a Blob tagged with its MIME type.
// It never returns a partial blob: any error leaves the returned Blob zero.
func Normalize(dataURI string) (domain.Blob, error) {
	mimeType, payload, err := split(dataURI)
	if err != nil {
		return domain.Blob{}, err
	}

	// Strict decoding rejects non-zero padding bits, so re-encoding the bytes
	// always reproduces payload.
	data, err := base64.StdEncoding.Strict().DecodeString(payload)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	return domain.Blob{MIMEType: mimeType, Data: data}, nil
}

// Valid reports whether s matches the image data URI grammar. It does not
// decode the payload.
func Valid(s string) bool {
	_, _, err := split(s)
	return err == nil
}

// Encode renders b as a data URI. An empty MIME type is written as image/jpeg.
func Encode(b domain.Blob) string {
	mimeType := b.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + base64Suffix + "," + base64.StdEncoding.EncodeToString(b.Data)
}

func split(s string) (mimeType, payload string, err error) {
	if !strings.HasPrefix(s, imagePrefix) {
		return "", "", fmt.Errorf("%w: missing %q prefix", ErrInvalidFormat, imagePrefix)
	}

	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return "", "", fmt.Errorf("%w: missing payload separator", ErrInvalidFormat)
	}
	if !strings.HasSuffix(header, base64Suffix) {
		return "", "", fmt.Errorf("%w: payload is not base64", ErrInvalidFormat)
	}

	mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), base64Suffix)
	if !strings.HasPrefix(mimeType, "image/") || len(mimeType) == len("image/") {
		return "", "", fmt.Errorf("%w: bad mime type %q", ErrInvalidFormat, mimeType)
	}
	if payload == "" {
		return "", "", fmt.Errorf("%w: empty payload", ErrInvalidFormat)
	}
	return mimeType, payload, nil
}
