package domain

import "time"

// Source identifies which capture path a draft belongs to.
type Source string

const (
	SourceUpload Source = "upload"
	SourceCamera Source = "camera"
)

// Blob is image bytes ready for network transmission.
type Blob struct {
	Filename string
	MIMEType string
	Data     []byte
}

// CapturedFrame is a still frame produced by a camera as a data URI.
type CapturedFrame struct {
	DataURI    string
	CapturedAt time.Time
}

// ImageSource is either Uploaded or Captured. Only the Captured variant needs
// normalization before it can be sent.
type ImageSource interface {
	imageSource()
}

type Uploaded struct {
	Blob Blob
}

type Captured struct {
	Frame CapturedFrame
}

func (Uploaded) imageSource() {}
func (Captured) imageSource() {}

// Draft is the report a user is composing. Image is nil until an image has
// been chosen or captured.
type Draft struct {
	Name         string
	Age          string
	LostLocation string
	Description  string
	Contact      string
	Image        ImageSource
}

// Outcome tags a Result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is the outcome of one submission cycle.
type Result struct {
	Outcome      Outcome
	Message      string
	MatchedImage *Blob
	Reason       string
	// Fields holds the response fields exactly as the backend returned them.
	Fields map[string]any
}

func Success(message string, matched *Blob) Result {
	return Result{Outcome: OutcomeSuccess, Message: message, MatchedImage: matched}
}

func Failure(reason string) Result {
	return Result{Outcome: OutcomeFailure, Reason: reason}
}

// MissingPerson is one row of the backend's report listing.
type MissingPerson struct {
	ID           string
	Name         string
	Age          string
	LostLocation string
	Timestamp    time.Time
}

// Stats are the backend's aggregate identification counters.
type Stats struct {
	TotalIdentifications int64
	FoundCount           int64
	ActiveCases          int64
}

// SubmissionRecord is a settled submission kept in the local log.
type SubmissionRecord struct {
	ID         string
	Source     Source
	Endpoint   string
	PersonName string
	Outcome    Outcome
	Detail     string
	PreviewKey string
	CreatedAt  time.Time
}
