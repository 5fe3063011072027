// Package worker executes restoration jobs: it validates the payload, runs
// the model, uploads the output and produces the terminal result record.
package worker

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"server/internal/domain"
	"server/internal/imaging"
	"server/internal/infra"
	"server/internal/storage"
)

// Models is the inference surface the handler depends on. A nil image with a
// nil error means the model ran and produced nothing (terminal); an error
// means the invocation itself failed (worth retrying).
type Models interface {
	Upscale(ctx context.Context, img image.Image) (image.Image, error)
	EnhanceFaces(ctx context.Context, img image.Image, onlyCenterFace bool) (image.Image, error)
	DetectFaceCount(ctx context.Context, img image.Image) (int, error)
}

// OutcomeKind tags the result of one job attempt.
type OutcomeKind int

const (
	// Completed means a successful result record was assembled.
	Completed OutcomeKind = iota
	// TerminalFailure means the attempt failed in a way retrying cannot fix.
	TerminalFailure
	// RecoverableFailure means the attempt hit an unexpected fault and may
	// be rescheduled if the retry budget allows.
	RecoverableFailure
)

// Outcome is the tagged verdict of one attempt. The retry policy lives
// entirely in this type: the worker maps RecoverableFailure to a scheduled
// re-attempt and everything else to a stored result.
type Outcome struct {
	Kind   OutcomeKind
	Result *domain.Result
	Reason string
}

func completed(result *domain.Result) Outcome {
	return Outcome{Kind: Completed, Result: result}
}

func terminal(result *domain.Result) Outcome {
	return Outcome{Kind: TerminalFailure, Result: result}
}

func recoverable(reason string) Outcome {
	return Outcome{Kind: RecoverableFailure, Reason: reason}
}

// Handler runs one job attempt end to end. It holds the process-wide model
// handles, the blob store and the optional artifact catalog.
type Handler struct {
	models    Models
	store     storage.BlobStore
	artifacts domain.ArtifactRepository
	logger    *infra.Logger
}

// NewHandler wires a Handler. The artifact repository may be nil, in which
// case completed jobs are not cataloged.
func NewHandler(models Models, store storage.BlobStore, artifacts domain.ArtifactRepository, logger *infra.Logger) *Handler {
	return &Handler{models: models, store: store, artifacts: artifacts, logger: logger}
}

// Handle executes a single attempt of the job. It never panics past this
// boundary and leaves no partial state behind on failure: the artifact
// catalog is touched only after a successful upload.
func (h *Handler) Handle(ctx context.Context, job *domain.Job) Outcome {
	switch job.Kind {
	case domain.JobKindUpscale:
		return h.handleUpscale(ctx, job)
	case domain.JobKindFaceEnhance:
		return h.handleFaceEnhance(ctx, job)
	default:
		return terminal(domain.FailureResult(job.ID, fmt.Sprintf("unsupported job kind %q", job.Kind)))
	}
}

func (h *Handler) handleUpscale(ctx context.Context, job *domain.Job) Outcome {
	started := time.Now()
	log := h.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Str("filename", job.Filename).Msg("worker: starting upscale")

	img, info, err := h.validate(job)
	if err != nil {
		return terminal(domain.FailureResult(job.ID, err.Error()))
	}

	processingStart := time.Now()
	output, err := h.models.Upscale(ctx, img)
	processingTime := time.Since(processingStart).Seconds()
	if err != nil {
		return recoverable(fmt.Sprintf("upscale invocation: %v", err))
	}
	if output == nil {
		return terminal(domain.FailureResult(job.ID, "Upscaling failed. Please try again."))
	}
	log.Info().Float64("processing_seconds", domain.RoundSeconds(processingTime)).Msg("worker: upscale finished")

	stored, uploadTime, out := h.upload(ctx, job, output, "realesrgan")
	if out != nil {
		return *out
	}

	outW, outH := output.Bounds().Dx(), output.Bounds().Dy()
	result := &domain.Result{
		Success:        true,
		TaskID:         job.ID,
		ImageURL:       stored.URL,
		PublicID:       stored.PublicID,
		OriginalSize:   []int{info.Width, info.Height},
		OutputSize:     []int{outW, outH},
		ScaleFactor:    scaleFactor(info.Width, outW),
		Format:         job.Options.Format,
		ProcessingTime: domain.RoundSeconds(processingTime),
		UploadTime:     domain.RoundSeconds(uploadTime),
		TotalTime:      domain.RoundSeconds(time.Since(started).Seconds()),
		Storage: &domain.StorageInfo{
			Bytes:  stored.Bytes,
			Format: stored.Format,
			Width:  stored.Width,
			Height: stored.Height,
		},
	}
	h.catalog(ctx, job, stored)
	return completed(result)
}

func (h *Handler) handleFaceEnhance(ctx context.Context, job *domain.Job) Outcome {
	started := time.Now()
	log := h.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Str("filename", job.Filename).Msg("worker: starting face enhancement")

	img, info, err := h.validate(job)
	if err != nil {
		return terminal(domain.FailureResult(job.ID, err.Error()))
	}

	// Oversized but decodable inputs are downsized, not rejected; the face
	// model tolerates the loss better than the memory spike.
	img = imaging.Downsize(img, imaging.MaxFaceDimension)
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width != info.Width || height != info.Height {
		log.Info().Int("width", width).Int("height", height).Msg("worker: downsized large image")
	}

	faceCount, detectionTime := h.countFaces(ctx, img, &log)

	processingStart := time.Now()
	output, err := h.models.EnhanceFaces(ctx, img, job.Options.OnlyCenterFace)
	processingTime := time.Since(processingStart).Seconds()
	if err != nil {
		return recoverable(fmt.Sprintf("face enhancement invocation: %v", err))
	}
	if output == nil {
		failure := domain.FailureResult(job.ID, "Face enhancement failed. Please try again.")
		failure.FaceCount = &faceCount
		return terminal(failure)
	}
	log.Info().Float64("processing_seconds", domain.RoundSeconds(processingTime)).Msg("worker: face enhancement finished")

	stored, uploadTime, out := h.upload(ctx, job, output, "gfpgan")
	if out != nil {
		if out.Kind == TerminalFailure && out.Result != nil {
			out.Result.FaceCount = &faceCount
		}
		return *out
	}

	onlyCenter := job.Options.OnlyCenterFace
	outW, outH := output.Bounds().Dx(), output.Bounds().Dy()
	result := &domain.Result{
		Success:           true,
		TaskID:            job.ID,
		ImageURL:          stored.URL,
		PublicID:          stored.PublicID,
		OriginalSize:      []int{width, height},
		OutputSize:        []int{outW, outH},
		ScaleFactor:       scaleFactor(width, outW),
		Format:            job.Options.Format,
		FaceCount:         &faceCount,
		OnlyCenterFace:    &onlyCenter,
		FaceDetectionTime: domain.RoundSeconds(detectionTime),
		ProcessingTime:    domain.RoundSeconds(processingTime),
		UploadTime:        domain.RoundSeconds(uploadTime),
		TotalTime:         domain.RoundSeconds(time.Since(started).Seconds()),
		Storage: &domain.StorageInfo{
			Bytes:  stored.Bytes,
			Format: stored.Format,
			Width:  stored.Width,
			Height: stored.Height,
		},
	}
	h.catalog(ctx, job, stored)
	return completed(result)
}

// validate decodes the payload and enforces the kind-specific pixel ceiling.
// Both violations are terminal: retrying cannot shrink the input.
func (h *Handler) validate(job *domain.Job) (image.Image, *imaging.Info, error) {
	img, info, err := imaging.Decode(job.ImageData)
	if err != nil {
		return nil, nil, fmt.Errorf("Invalid image format: %v", err)
	}
	if err := imaging.CheckPixelCeiling(info, job.Kind); err != nil {
		return nil, nil, err
	}
	return img, info, nil
}

// countFaces runs detection with the documented softeners: detection is
// skipped above the dimension threshold, detection faults are tolerated, and
// a zero count is coerced to one so enhancement still runs.
func (h *Handler) countFaces(ctx context.Context, img image.Image, log *infra.Logger) (int, float64) {
	bounds := img.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if longest > imaging.SkipFaceDetectDim {
		log.Info().Msg("worker: skipping face detection for large image, assuming faces present")
		return 1, 0
	}

	start := time.Now()
	count, err := h.models.DetectFaceCount(ctx, img)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		log.Warn().Err(err).Msg("worker: face detection failed, assuming faces present")
		return 1, elapsed
	}
	if count == 0 {
		log.Warn().Msg("worker: no faces detected, continuing with enhancement")
		return 1, elapsed
	}
	return count, elapsed
}

// upload encodes the output and stores it. The third return value is non-nil
// when the stage failed and carries the outcome to surface.
func (h *Handler) upload(ctx context.Context, job *domain.Job, output image.Image, folder string) (*storage.StoreResult, float64, *Outcome) {
	data, encoding, err := imaging.Encode(output, job.Options.Format)
	if err != nil {
		out := recoverable(fmt.Sprintf("encode output: %v", err))
		return nil, 0, &out
	}

	bounds := output.Bounds()
	uploadStart := time.Now()
	stored, err := h.store.Store(ctx, storage.StoreRequest{
		Data:     data,
		Name:     job.Filename,
		Folder:   folder,
		Format:   job.Options.Format,
		Encoding: encoding,
		Quality:  job.Options.Quality,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	})
	uploadTime := time.Since(uploadStart).Seconds()
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: upload failed")
		out := terminal(domain.FailureResult(job.ID, "Failed to upload result. Please try again."))
		return nil, uploadTime, &out
	}
	return stored, uploadTime, nil
}

// catalog records the completed artifact. Best effort: catalog faults are
// logged and never fail a job that already has a durable artifact.
func (h *Handler) catalog(ctx context.Context, job *domain.Job, stored *storage.StoreResult) {
	if h.artifacts == nil {
		return
	}
	artifact := &domain.Artifact{
		JobID:    job.ID,
		Kind:     job.Kind,
		PublicID: stored.PublicID,
		URL:      stored.URL,
		Format:   stored.Format,
		Bytes:    stored.Bytes,
		Width:    stored.Width,
		Height:   stored.Height,
	}
	if err := h.artifacts.Create(ctx, artifact); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: record artifact failed")
	}
}

func scaleFactor(inWidth, outWidth int) float64 {
	if inWidth <= 0 {
		return 0
	}
	return math.Round(float64(outWidth)/float64(inWidth)*100) / 100
}
