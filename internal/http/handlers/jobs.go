package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"server/internal/domain"
	"server/internal/imaging"
)

type imageInfo struct {
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
}

type submitResponse struct {
	Success   bool           `json:"success"`
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	ImageInfo imageInfo      `json:"image_info"`
	Options   domain.Options `json:"options"`
}

// Upscale accepts a multipart image upload and enqueues a Real-ESRGAN job.
func (a *App) Upscale(w http.ResponseWriter, r *http.Request) {
	a.submit(w, r, domain.JobKindUpscale, "Image upscaling started")
}

// FaceEnhance accepts a multipart image upload and enqueues a GFPGAN job.
func (a *App) FaceEnhance(w http.ResponseWriter, r *http.Request) {
	a.submit(w, r, domain.JobKindFaceEnhance, "Face enhancement started")
}

// submit performs the boundary checks, builds the immutable options record
// and hands the job to the queue runtime. It returns as soon as the job has
// an identifier; nothing here waits for execution.
func (a *App) submit(w http.ResponseWriter, r *http.Request, kind domain.JobKind, message string) {
	r.Body = http.MaxBytesReader(w, r.Body, a.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the maximum upload size")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "file field is required")
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		a.error(w, http.StatusBadRequest, "bad_request", "file must be an image")
		return
	}

	format := r.FormValue("format")
	if format != "" && domain.NormalizeFormat(format) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid format, use: webp, png, jpeg")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}

	info, err := imaging.Probe(data)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid image: "+err.Error())
		return
	}

	onlyCenterFace := false
	if kind == domain.JobKindFaceEnhance {
		onlyCenterFace = r.FormValue("only_center_face") == "true"
	}
	options := domain.NewOptions(format, r.FormValue("quality"), onlyCenterFace)

	job := &domain.Job{
		Kind:      kind,
		Filename:  header.Filename,
		ImageData: data,
		Options:   options,
	}
	jobID, err := a.Queue.Enqueue(r.Context(), job)
	if err != nil {
		a.Logger.Error().Err(err).Str("kind", string(kind)).Msg("api: enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.Logger.Info().
		Str("job_id", jobID).
		Str("kind", string(kind)).
		Str("filename", header.Filename).
		Int("width", info.Width).
		Int("height", info.Height).
		Msg("api: job queued")

	a.json(w, http.StatusAccepted, submitResponse{
		Success: true,
		TaskID:  jobID,
		Status:  string(domain.JobStatusQueued),
		Message: message,
		ImageInfo: imageInfo{
			Filename: header.Filename,
			Size:     len(data),
			Width:    info.Width,
			Height:   info.Height,
			Format:   info.Format,
		},
		Options: options,
	})
}
