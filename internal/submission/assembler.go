// Package submission assembles identification payloads and sends them to the
// backend, one at a time.
package submission

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/imagesource"
)

// ErrMissingImage is returned when a draft without an image is assembled.
// No request is ever issued for such a draft.
var ErrMissingImage = errors.New("draft has no image")

// Policy holds the choices that differ between the upload and camera paths.
type Policy struct {
	Endpoint string
	// Filename replaces the image's own filename when set.
	Filename string
	// Default substitutes empty text fields.
	Default string
	// AgeDefault substitutes an empty age.
	AgeDefault string
	// FailureReason is reported when a request fails without a server message.
	FailureReason string
}

var (
	UploadPolicy = Policy{
		Endpoint:      "/identify_missing_person",
		FailureReason: "Upload failed.",
	}
	CameraPolicy = Policy{
		Endpoint:      "/identify_missingPerson",
		Filename:      "captured_image.jpeg",
		Default:       "Unknown",
		AgeDefault:    "0",
		FailureReason: "Failed to submit missing person info.",
	}
)

// PolicyFor returns the policy for a capture path.
func PolicyFor(src domain.Source) Policy {
	if src == domain.SourceCamera {
		return CameraPolicy
	}
	return UploadPolicy
}

const fallbackFilename = "image"

type Field struct {
	Name  string
	Value string
}

// Payload is an assembled submission: one image part plus the person fields.
type Payload struct {
	Image         domain.Blob
	Filename      string
	Fields        []Field
	FailureReason string
}

// Parts returns the number of multipart parts Encode writes.
func (p *Payload) Parts() int {
	return 1 + len(p.Fields)
}

// Field returns the value of the named text part.
func (p *Payload) Field(name string) (string, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Assemble builds the payload for draft. The image is checked before anything
// else; captured frames are normalized here, uploads pass through.
func Assemble(draft domain.Draft, policy Policy) (*Payload, error) {
	if draft.Image == nil {
		return nil, ErrMissingImage
	}

	blob, err := imagesource.Resolve(draft.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize image: %w", err)
	}

	filename := policy.Filename
	if filename == "" {
		filename = blob.Filename
	}
	if filename == "" {
		filename = fallbackFilename
	}

	return &Payload{
		Image:    blob,
		Filename: filename,
		Fields: []Field{
			{Name: "name", Value: orDefault(draft.Name, policy.Default)},
			{Name: "age", Value: orDefault(draft.Age, policy.AgeDefault)},
			{Name: "lost_location", Value: orDefault(draft.LostLocation, policy.Default)},
			{Name: "description", Value: orDefault(draft.Description, policy.Default)},
			{Name: "contact", Value: orDefault(draft.Contact, policy.Default)},
		},
		FailureReason: policy.FailureReason,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Encode writes the payload as multipart/form-data.
func (p *Payload) Encode() (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mimeType := p.Image.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(p.Filename)))
	header.Set("Content-Type", mimeType)

	part, err := w.CreatePart(header)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(p.Image.Data); err != nil {
		return "", nil, fmt.Errorf("failed to write image part: %w", err)
	}

	for _, f := range p.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return "", nil, fmt.Errorf("failed to write field %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}
