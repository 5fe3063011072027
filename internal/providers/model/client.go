// Package model wraps the external inference runtime that hosts the
// Real-ESRGAN and GFPGAN networks. The repository never touches the networks
// themselves; it ships pixels to the runtime and gets pixels back.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/infra"
)

const (
	ModelRealESRGAN = "realesrgan"
	ModelGFPGAN     = "gfpgan"
)

// Options controls how the runtime client is configured.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Runtime is an HTTP client for the model inference sidecar. One Runtime is
// shared by every job executed in the same worker process.
type Runtime struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewRuntime builds a Runtime client.
func NewRuntime(opts Options) (*Runtime, error) {
	base := opts.BaseURL
	if base == "" {
		return nil, fmt.Errorf("model: runtime base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("model: invalid runtime URL: %w", err)
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	client := opts.HTTPClient
	if client == nil {
		// Inference can take a while on large inputs; the input-size
		// ceilings are the only guard, not a call timeout.
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Runtime{baseURL: base, httpClient: client, logger: opts.Logger}, nil
}

// Handle is the process-wide, lazily loaded reference to one hosted model.
// It outlives individual jobs and is dropped only by an administrative
// unload, after which the next job triggers a fresh load.
type Handle struct {
	runtime *Runtime
	name    string

	mu     sync.Mutex
	loaded bool
}

// NewHandle creates an unloaded handle for the named model.
func NewHandle(runtime *Runtime, name string) *Handle {
	return &Handle{runtime: runtime, name: name}
}

// Load asks the runtime to initialize the model. It is idempotent and
// returns false when the runtime is unreachable or initialization fails.
func (h *Handle) Load(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return true
	}
	if err := h.runtime.post(ctx, "/v1/models/"+h.name+"/load", nil, nil); err != nil {
		h.runtime.logger.Error().Err(err).Str("model", h.name).Msg("model: load failed")
		return false
	}
	h.loaded = true
	h.runtime.logger.Info().Str("model", h.name).Msg("model: loaded")
	return true
}

// Unload drops the handle and asks the runtime to release the model.
func (h *Handle) Unload(ctx context.Context) {
	h.mu.Lock()
	wasLoaded := h.loaded
	h.loaded = false
	h.mu.Unlock()
	if !wasLoaded {
		return
	}
	if err := h.runtime.post(ctx, "/v1/models/"+h.name+"/unload", nil, nil); err != nil {
		h.runtime.logger.Warn().Err(err).Str("model", h.name).Msg("model: unload request failed")
	}
}

// infer runs one inference call. A nil image with a nil error means the model
// ran but could not produce a result; an error means the call itself failed
// and may be worth retrying. Accelerator memory is released after every
// invocation, success or failure, to bound peak usage across workers.
func (h *Handle) infer(ctx context.Context, path string, img image.Image, query url.Values) (image.Image, error) {
	if !h.Load(ctx) {
		return nil, fmt.Errorf("model: %s unavailable", h.name)
	}
	defer h.runtime.releaseMemory(ctx)

	payload, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := h.runtime.do(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		// The model ran and produced nothing usable.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.runtime.logger.Error().Str("model", h.name).Str("detail", string(body)).Msg("model: no result")
		return nil, nil
	default:
		return nil, fmt.Errorf("model: runtime returned %d", resp.StatusCode)
	}

	out, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("model: decode runtime output: %w", err)
	}
	return out, nil
}

func (r *Runtime) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: runtime call: %w", err)
	}
	return resp, nil
}

func (r *Runtime) post(ctx context.Context, path string, body []byte, out any) error {
	resp, err := r.do(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model: runtime returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("model: decode response: %w", err)
		}
	}
	return nil
}

// releaseMemory asks the runtime to drop accelerator caches. Best effort;
// a failure here never affects the job outcome.
func (r *Runtime) releaseMemory(ctx context.Context) {
	if err := r.post(ctx, "/v1/cache/release", nil, nil); err != nil {
		r.logger.Debug().Err(err).Msg("model: cache release failed")
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("model: encode input: %w", err)
	}
	return buf.Bytes(), nil
}

// Registry owns the per-process model handles injected into the worker at
// startup, replacing any hidden global cache.
type Registry struct {
	runtime *Runtime
	esrgan  *Handle
	gfpgan  *Handle
}

// NewRegistry builds handles for both hosted models.
func NewRegistry(runtime *Runtime) *Registry {
	return &Registry{
		runtime: runtime,
		esrgan:  NewHandle(runtime, ModelRealESRGAN),
		gfpgan:  NewHandle(runtime, ModelGFPGAN),
	}
}

// Upscale runs Real-ESRGAN over the image. See Handle.infer for the
// nil-versus-error contract.
func (reg *Registry) Upscale(ctx context.Context, img image.Image) (image.Image, error) {
	return reg.esrgan.infer(ctx, "/v1/models/"+ModelRealESRGAN+"/upscale", img, nil)
}

// EnhanceFaces runs GFPGAN face restoration over the image.
func (reg *Registry) EnhanceFaces(ctx context.Context, img image.Image, onlyCenterFace bool) (image.Image, error) {
	query := url.Values{}
	query.Set("only_center_face", strconv.FormatBool(onlyCenterFace))
	return reg.gfpgan.infer(ctx, "/v1/models/"+ModelGFPGAN+"/enhance", img, query)
}

// DetectFaceCount counts faces in the image.
func (reg *Registry) DetectFaceCount(ctx context.Context, img image.Image) (int, error) {
	if !reg.gfpgan.Load(ctx) {
		return 0, fmt.Errorf("model: %s unavailable", ModelGFPGAN)
	}
	payload, err := encodePNG(img)
	if err != nil {
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := reg.runtime.post(ctx, "/v1/models/"+ModelGFPGAN+"/faces", payload, &out); err != nil {
		return 0, err
	}
	if out.Count < 0 {
		return 0, nil
	}
	return out.Count, nil
}

// UnloadAll drops both handles in response to the administrative broadcast.
func (reg *Registry) UnloadAll(ctx context.Context) {
	reg.esrgan.Unload(ctx)
	reg.gfpgan.Unload(ctx)
}
