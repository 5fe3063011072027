package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/infra"
)

// CloudinaryOptions configures the CDN uploader.
type CloudinaryOptions struct {
	CloudName  string
	APIKey     string
	APISecret  string
	BaseURL    string // override for tests; defaults to the Cloudinary API
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// CloudinaryStore uploads artifacts through Cloudinary's signed upload API.
type CloudinaryStore struct {
	cloudName  string
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewCloudinaryStore builds the uploader.
func NewCloudinaryStore(opts CloudinaryOptions) (*CloudinaryStore, error) {
	if opts.CloudName == "" || opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("storage: cloudinary credentials are required")
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.cloudinary.com"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &CloudinaryStore{
		cloudName:  opts.CloudName,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: client,
		logger:     opts.Logger,
	}, nil
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Bytes     int64  `json:"bytes"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Store uploads the artifact and returns the CDN's description of it. Each
// call creates a fresh public ID, so repeated delivery of the same job never
// mutates an existing object.
func (s *CloudinaryStore) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("storage: empty artifact")
	}
	publicID := fmt.Sprintf("%s/%s-%s", req.Folder, SafeName(req.Name), uuid.NewString()[:8])

	params := map[string]string{
		"public_id": publicID,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
	if req.Format != "" && req.Format != req.Encoding {
		params["format"] = req.Format
	}
	if req.Quality != "" && req.Quality != "auto" {
		params["quality"] = req.Quality
	}
	signature := signParams(params, s.apiSecret)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range params {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("storage: build upload: %w", err)
		}
	}
	if err := writer.WriteField("api_key", s.apiKey); err != nil {
		return nil, fmt.Errorf("storage: build upload: %w", err)
	}
	if err := writer.WriteField("signature", signature); err != nil {
		return nil, fmt.Errorf("storage: build upload: %w", err)
	}
	part, err := writer.CreateFormFile("file", SafeName(req.Name)+"."+req.Encoding)
	if err != nil {
		return nil, fmt.Errorf("storage: build upload: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("storage: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage: build upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1_1/%s/image/upload", s.baseURL, s.cloudName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("storage: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("storage: upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var parsed cloudinaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("storage: decode upload response: %w", err)
	}
	s.logger.Debug().
		Str("public_id", parsed.PublicID).
		Str("format", parsed.Format).
		Int64("bytes", parsed.Bytes).
		Msg("storage: uploaded artifact")
	return &StoreResult{
		URL:      parsed.SecureURL,
		PublicID: parsed.PublicID,
		Bytes:    parsed.Bytes,
		Format:   parsed.Format,
		Width:    parsed.Width,
		Height:   parsed.Height,
	}, nil
}

// signParams produces the Cloudinary request signature: SHA-1 over the
// sorted parameter string concatenated with the API secret.
func signParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
