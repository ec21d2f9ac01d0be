package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/imagesource"
	"github.com/vbonduro/reunite/internal/presenter"
	"github.com/vbonduro/reunite/internal/previewstore"
	"github.com/vbonduro/reunite/internal/submission"
)

var (
	// ErrUnknownSource is returned for a capture path other than upload or camera.
	ErrUnknownSource = errors.New("unknown capture source")
	// ErrSubmissionNotFound is returned for a log entry that does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
)

// submissionLog is the subset of store.SubmissionStore that ReportService requires.
type submissionLog interface {
	Create(ctx context.Context, rec domain.SubmissionRecord) (*domain.SubmissionRecord, error)
	GetByID(ctx context.Context, id string) (*domain.SubmissionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.SubmissionRecord, error)
	CountByOutcome(ctx context.Context) (map[domain.Outcome]int64, error)
	Delete(ctx context.Context, id string) error
}

// dashboardSource is the subset of backend.Client the dashboard requires.
type dashboardSource interface {
	Stats(ctx context.Context) (domain.Stats, error)
	MissingPersons(ctx context.Context) ([]domain.MissingPerson, error)
}

// SubmissionRecorder observes settled submissions.
type SubmissionRecorder interface {
	Submission(source, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Submission(string, string, time.Duration) {}

// Fields are the text fields of a draft as entered on the form.
type Fields struct {
	Name         string
	Age          string
	LostLocation string
	Description  string
	Contact      string
}

// desk owns one capture path's draft and result. cycle changes on every
// reset so a submission that settles after a retake is not shown. While
// inFlight is set the draft is frozen.
type desk struct {
	source    domain.Source
	policy    submission.Policy
	client    *submission.Client
	presenter *presenter.Presenter

	mu       sync.Mutex
	draft    domain.Draft
	cycle    uint64
	inFlight bool
}

type ReportService struct {
	desks     map[domain.Source]*desk
	log       submissionLog
	previews  previewstore.PreviewStore
	dashboard dashboardSource
	camera    imagesource.Camera
	recorder  SubmissionRecorder
	logger    *slog.Logger
}

// NewReportService builds one desk per capture path. camera is the device
// camera used when a capture request carries no frame and may be nil;
// recorder may be nil.
func NewReportService(
	transport submission.Transport,
	submitTimeout time.Duration,
	log submissionLog,
	previews previewstore.PreviewStore,
	dashboard dashboardSource,
	camera imagesource.Camera,
	recorder SubmissionRecorder,
	logger *slog.Logger,
) *ReportService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	desks := make(map[domain.Source]*desk, 2)
	for _, src := range []domain.Source{domain.SourceUpload, domain.SourceCamera} {
		desks[src] = &desk{
			source:    src,
			policy:    submission.PolicyFor(src),
			client:    submission.NewClient(transport, submitTimeout, logger.With("source", string(src))),
			presenter: presenter.New(),
		}
	}
	return &ReportService{
		desks:     desks,
		log:       log,
		previews:  previews,
		dashboard: dashboard,
		camera:    camera,
		recorder:  recorder,
		logger:    logger,
	}
}

// ParseSource validates a capture path name from a URL.
func ParseSource(s string) (domain.Source, error) {
	switch domain.Source(s) {
	case domain.SourceUpload, domain.SourceCamera:
		return domain.Source(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
}

func (s *ReportService) desk(src domain.Source) (*desk, error) {
	d, ok := s.desks[src]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	return d, nil
}

// AttachUpload binds a user-chosen file to the upload draft. A nil reader
// returns imagesource.ErrAcquisitionRejected and leaves the draft unchanged;
// so does a submission in flight, with submission.ErrPending.
func (s *ReportService) AttachUpload(filename, mimeType string, r io.Reader) error {
	up, err := imagesource.FromUpload(filename, mimeType, r)
	if err != nil {
		return err
	}

	d := s.desks[domain.SourceUpload]
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return submission.ErrPending
	}
	d.draft.Image = up
	d.presenter.Dismiss()
	d.mu.Unlock()

	s.logger.Info("upload attached", "filename", filename, "mime_type", mimeType, "bytes", len(up.Blob.Data))
	return nil
}

// Capture takes one frame from cam, or from the device camera when cam is
// nil, and binds it to the camera draft, replacing any earlier frame. A
// camera without a frame returns imagesource.ErrAcquisitionRejected.
func (s *ReportService) Capture(ctx context.Context, cam imagesource.Camera) error {
	if cam == nil {
		cam = s.camera
	}
	d := s.desks[domain.SourceCamera]
	if d.busy() {
		return submission.ErrPending
	}
	captured, err := imagesource.Capture(ctx, cam)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return submission.ErrPending
	}
	d.draft.Image = captured
	d.presenter.Dismiss()
	d.mu.Unlock()

	s.logger.Info("frame captured", "source", string(domain.SourceCamera))
	return nil
}

// SetFields replaces the draft's text fields. It returns
// submission.ErrPending while the draft is being submitted.
func (s *ReportService) SetFields(src domain.Source, f Fields) error {
	d, err := s.desk(src)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return submission.ErrPending
	}
	d.setFields(f)
	return nil
}

func (d *desk) busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *desk) setFields(f Fields) {
	d.draft.Name = f.Name
	d.draft.Age = f.Age
	d.draft.LostLocation = f.LostLocation
	d.draft.Description = f.Description
	d.draft.Contact = f.Contact
}

// Submit runs one submission cycle for src with the given fields: assemble,
// submit, present. Assembly errors (submission.ErrMissingImage,
// datauri.ErrInvalidFormat) stop the cycle before any request is issued.
// submission.ErrPending is returned while the desk has a request in flight,
// and the in-flight draft is left untouched.
func (s *ReportService) Submit(ctx context.Context, src domain.Source, f Fields) (domain.Result, error) {
	d, err := s.desk(src)
	if err != nil {
		return domain.Result{}, err
	}

	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return domain.Result{}, submission.ErrPending
	}
	d.setFields(f)
	draft := d.draft
	cycle := d.cycle
	d.inFlight = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	payload, err := submission.Assemble(draft, d.policy)
	if err != nil {
		s.logger.Warn("submission blocked", "source", string(src), "error", err)
		return domain.Result{}, err
	}

	start := time.Now()
	result, err := d.client.Submit(ctx, payload, d.policy.Endpoint)
	if err != nil {
		return domain.Result{}, err
	}
	elapsed := time.Since(start)

	d.mu.Lock()
	current := d.cycle == cycle
	if current {
		d.presenter.Show(result)
	}
	d.mu.Unlock()
	if !current {
		s.logger.Info("discarding result for reset draft", "source", string(src))
	}

	s.record(ctx, d, draft, result)
	s.recorder.Submission(string(src), string(result.Outcome), elapsed)
	s.logger.Info("submission cycle complete", "source", string(src),
		"outcome", string(result.Outcome), "duration_ms", elapsed.Milliseconds())
	return result, nil
}

// record writes the settled submission to the local log. Failures are logged
// and never change the presented result.
func (s *ReportService) record(ctx context.Context, d *desk, draft domain.Draft, result domain.Result) {
	var previewKey string
	if result.MatchedImage != nil && s.previews != nil {
		key, err := s.previews.Save(ctx, d.source, *result.MatchedImage)
		if err != nil {
			s.logger.Error("failed to store matched image", "source", string(d.source), "error", err)
		} else {
			previewKey = key
		}
	}

	detail := result.Message
	if result.Outcome == domain.OutcomeFailure {
		detail = result.Reason
	}

	if s.log == nil {
		return
	}
	if _, err := s.log.Create(ctx, domain.SubmissionRecord{
		Source:     d.source,
		Endpoint:   d.policy.Endpoint,
		PersonName: draft.Name,
		Outcome:    result.Outcome,
		Detail:     detail,
		PreviewKey: previewKey,
	}); err != nil {
		s.logger.Error("failed to record submission", "source", string(d.source), "error", err)
	}
}

// Retake resets the draft and clears the result together.
func (s *ReportService) Retake(src domain.Source) error {
	d, err := s.desk(src)
	if err != nil {
		return err
	}
	d.resetDraft()
	s.logger.Info("draft reset", "source", string(src))
	return nil
}

func (d *desk) resetDraft() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.draft = domain.Draft{}
	d.cycle++
	d.presenter.Dismiss()
}

// Dismiss clears the shown result. Dismissing a success completes the cycle
// and also resets the draft; a dismissed failure leaves the draft for retry.
func (s *ReportService) Dismiss(src domain.Source) error {
	d, err := s.desk(src)
	if err != nil {
		return err
	}

	d.mu.Lock()
	r, shown := d.presenter.Dismiss()
	if shown && r.Outcome == domain.OutcomeSuccess {
		d.draft = domain.Draft{}
		d.cycle++
	}
	d.mu.Unlock()
	return nil
}

// DeskView is a read-only snapshot of one capture path.
type DeskView struct {
	Source   domain.Source
	Fields   Fields
	HasImage bool
	// ImageName is the uploaded filename, or empty for a captured frame.
	ImageName string
	// FrameDataURI is the captured frame, for display.
	FrameDataURI string
	Pending      bool
	Result       *presenter.View
}

func (s *ReportService) Desk(src domain.Source) (DeskView, error) {
	d, err := s.desk(src)
	if err != nil {
		return DeskView{}, err
	}

	d.mu.Lock()
	draft := d.draft
	pending := d.inFlight
	d.mu.Unlock()

	v := DeskView{
		Source: src,
		Fields: Fields{
			Name:         draft.Name,
			Age:          draft.Age,
			LostLocation: draft.LostLocation,
			Description:  draft.Description,
			Contact:      draft.Contact,
		},
		HasImage: draft.Image != nil,
		Pending:  pending || d.client.Pending(),
	}
	switch img := draft.Image.(type) {
	case domain.Uploaded:
		v.ImageName = img.Blob.Filename
	case domain.Captured:
		v.FrameDataURI = img.Frame.DataURI
	}
	if view, ok := d.presenter.View(); ok {
		v.Result = &view
	}
	return v, nil
}

// MatchedImage returns the preview of the currently shown result.
func (s *ReportService) MatchedImage(src domain.Source) (domain.Blob, bool) {
	d, err := s.desk(src)
	if err != nil {
		return domain.Blob{}, false
	}
	r, ok := d.presenter.Current()
	if !ok || r.MatchedImage == nil {
		return domain.Blob{}, false
	}
	return *r.MatchedImage, true
}

// Dashboard is the overview page. Sections that failed to load are nil and
// described in Warnings.
type Dashboard struct {
	Stats  *domain.Stats
	People []domain.MissingPerson
	Recent []*domain.SubmissionRecord
	// Tally counts this device's logged submissions per outcome.
	Tally    *Tally
	Warnings []string
}

type Tally struct {
	Successes int64
	Failures  int64
}

const recentSubmissions = 10

func (s *ReportService) Dashboard(ctx context.Context) *Dashboard {
	dash := &Dashboard{}

	if stats, err := s.dashboard.Stats(ctx); err != nil {
		s.logger.Error("failed to fetch stats", "error", err)
		dash.Warnings = append(dash.Warnings, "Statistics are unavailable.")
	} else {
		dash.Stats = &stats
	}

	if people, err := s.dashboard.MissingPersons(ctx); err != nil {
		s.logger.Error("failed to fetch missing persons", "error", err)
		dash.Warnings = append(dash.Warnings, "The missing person list is unavailable.")
	} else {
		sort.SliceStable(people, func(i, j int) bool {
			return people[i].Timestamp.After(people[j].Timestamp)
		})
		dash.People = people
	}

	if s.log != nil {
		recent, err := s.log.ListRecent(ctx, recentSubmissions)
		if err != nil {
			s.logger.Error("failed to list recent submissions", "error", err)
		} else {
			dash.Recent = recent
		}

		counts, err := s.log.CountByOutcome(ctx)
		if err != nil {
			s.logger.Error("failed to count submissions", "error", err)
		} else {
			dash.Tally = &Tally{
				Successes: counts[domain.OutcomeSuccess],
				Failures:  counts[domain.OutcomeFailure],
			}
		}
	}
	return dash
}

// DeleteSubmission removes a log entry and its stored preview.
func (s *ReportService) DeleteSubmission(ctx context.Context, id string) error {
	if s.log == nil {
		return ErrSubmissionNotFound
	}
	rec, err := s.log.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSubmissionNotFound
	}

	if rec.PreviewKey != "" && s.previews != nil {
		if err := s.previews.Delete(ctx, rec.PreviewKey); err != nil && !errors.Is(err, previewstore.ErrNotFound) {
			return fmt.Errorf("failed to delete preview: %w", err)
		}
	}
	if err := s.log.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("submission deleted", "id", id, "preview_key", rec.PreviewKey)
	return nil
}

// Preview loads a stored matched image by its log key.
func (s *ReportService) Preview(ctx context.Context, key string) (domain.Blob, error) {
	if s.previews == nil {
		return domain.Blob{}, previewstore.ErrNotFound
	}
	return s.previews.Get(ctx, key)
}

// FrameFromDataURI adapts a browser-posted frame to a Camera.
func FrameFromDataURI(dataURI string) imagesource.Camera {
	if dataURI == "" {
		return nil
	}
	return imagesource.Frame(dataURI)
}
