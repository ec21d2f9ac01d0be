package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/vbonduro/reunite/internal/datauri"
	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/imagesource"
	"github.com/vbonduro/reunite/internal/logging"
	"github.com/vbonduro/reunite/internal/service"
	"github.com/vbonduro/reunite/internal/submission"
)

const maxUploadSize = 50 << 20

const pendingNotice = "A submission is already in progress."

var reportFiles = []string{"base.html", "pages/report.html", "partials/result.html"}

type reportPageData struct {
	Upload service.DeskView
	Camera service.DeskView
	// Notice is shown above the form of NoticeSource.
	Notice       string
	NoticeSource domain.Source
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.renderReport(w, http.StatusOK, "", "")
}

func (s *Server) renderReport(w http.ResponseWriter, status int, src domain.Source, notice string) {
	upload, err := s.reports.Desk(domain.SourceUpload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	camera, err := s.reports.Desk(domain.SourceCamera)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := reportPageData{
		Upload:       upload,
		Camera:       camera,
		Notice:       notice,
		NoticeSource: src,
	}
	if err := s.renderPage(w, status, data, reportFiles...); err != nil {
		s.logger.Error("failed to render report page", "error", err)
	}
}

func formFields(r *http.Request) service.Fields {
	return service.Fields{
		Name:         r.FormValue("name"),
		Age:          r.FormValue("age"),
		LostLocation: r.FormValue("lost_location"),
		Description:  r.FormValue("description"),
		Contact:      r.FormValue("contact"),
	}
}

func (s *Server) handleUploadSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "request too large or malformed", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// Submit with whatever image is already attached.
	case err != nil:
		http.Error(w, "invalid image upload", http.StatusBadRequest)
		return
	default:
		defer closeWithLog(file, "upload", s.logger)
		err := s.reports.AttachUpload(header.Filename, header.Header.Get("Content-Type"), file)
		if errors.Is(err, submission.ErrPending) {
			s.renderReport(w, http.StatusConflict, domain.SourceUpload, pendingNotice)
			return
		}
		if err != nil {
			s.logger.Error("failed to attach upload", "error", err)
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
	}

	s.submit(w, r, domain.SourceUpload)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	err := s.reports.SetFields(domain.SourceCamera, formFields(r))
	if err == nil {
		err = s.reports.Capture(r.Context(), service.FrameFromDataURI(r.FormValue("frame")))
	}
	if errors.Is(err, submission.ErrPending) {
		s.renderReport(w, http.StatusConflict, domain.SourceCamera, pendingNotice)
		return
	}
	if err != nil && !errors.Is(err, imagesource.ErrAcquisitionRejected) {
		s.logger.Error("failed to capture frame", "error", err)
		http.Error(w, "failed to capture frame", http.StatusBadGateway)
		return
	}
	if err != nil {
		s.logger.Info("capture rejected", "error", err)
	}
	http.Redirect(w, r, "/report#camera", http.StatusSeeOther)
}

func (s *Server) handleCameraSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	s.submit(w, r, domain.SourceCamera)
}

// submit runs a cycle for src. The request context is detached so a client
// that navigates away does not abandon a submission the backend has accepted.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, src domain.Source) {
	_, err := s.reports.Submit(context.WithoutCancel(r.Context()), src, formFields(r))
	switch {
	case err == nil:
		http.Redirect(w, r, "/report#"+string(src), http.StatusSeeOther)
	case errors.Is(err, submission.ErrMissingImage):
		s.renderReport(w, http.StatusUnprocessableEntity, src, missingImageNotice(src))
	case errors.Is(err, datauri.ErrInvalidFormat):
		s.renderReport(w, http.StatusUnprocessableEntity, src, "The image could not be read. Please try another.")
	case errors.Is(err, submission.ErrPending):
		s.renderReport(w, http.StatusConflict, src, pendingNotice)
	default:
		s.logger.Error("submission failed", append([]any{"source", string(src)}, logging.ErrorAttrs(err)...)...)
		http.Error(w, "submission failed", http.StatusInternalServerError)
	}
}

func missingImageNotice(src domain.Source) string {
	if src == domain.SourceCamera {
		return "Please capture an image first."
	}
	return "Please select an image."
}

func (s *Server) sourceFromPath(w http.ResponseWriter, r *http.Request) (domain.Source, bool) {
	src, err := service.ParseSource(r.PathValue("source"))
	if err != nil {
		http.NotFound(w, r)
		return "", false
	}
	return src, true
}

func (s *Server) handleRetake(w http.ResponseWriter, r *http.Request) {
	src, ok := s.sourceFromPath(w, r)
	if !ok {
		return
	}
	if err := s.reports.Retake(src); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/report#"+string(src), http.StatusSeeOther)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	src, ok := s.sourceFromPath(w, r)
	if !ok {
		return
	}
	if err := s.reports.Dismiss(src); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/report#"+string(src), http.StatusSeeOther)
}

func (s *Server) handleMatchedImage(w http.ResponseWriter, r *http.Request) {
	src, ok := s.sourceFromPath(w, r)
	if !ok {
		return
	}
	img, ok := s.reports.MatchedImage(src)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeImage(w, img)
}

func (s *Server) handleStoredPreview(w http.ResponseWriter, r *http.Request) {
	img, err := s.reports.Preview(r.Context(), r.PathValue("key"))
	if err != nil {
		s.logger.Debug("preview not served", "key", r.PathValue("key"), "error", err)
		http.NotFound(w, r)
		return
	}
	writeImage(w, img)
}

func writeImage(w http.ResponseWriter, img domain.Blob) {
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(img.Data)
}
