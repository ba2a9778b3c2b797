package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/banshee-data/aura/internal/fsutil"
	"github.com/banshee-data/aura/internal/httputil"
)

const (
	// maxFrameBytes bounds a fetched camera frame.
	maxFrameBytes = 16 << 20
	// maxResponseBytes bounds a detect response; the annotated image is
	// inlined as a base64 data URL.
	maxResponseBytes = 32 << 20
)

// HTTPDetector fetches the frame named by imageRef (an http(s) URL such as
// an ESP32 /capture endpoint, or a local file) and uploads it to the vision
// backend's POST /api/detect as multipart field "image". Faces in the
// response become people.
type HTTPDetector struct {
	BaseURL string
	Client  httputil.HTTPClient
	// Files reads local frames; nil means the OS filesystem.
	Files fsutil.FileSystem
}

// NewHTTPDetector returns a detector for the backend at baseURL.
func NewHTTPDetector(baseURL string, client httputil.HTTPClient) *HTTPDetector {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPDetector{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Detect fetches, uploads and decodes one frame. fallbackDistance is unused;
// the backend does not annotate distances.
func (d *HTTPDetector) Detect(ctx context.Context, imageRef string, fallbackDistance float64) (Result, error) {
	frame, name, err := d.fetchFrame(ctx, imageRef)
	if err != nil {
		return Result{}, d.fail(ctx, imageRef, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return Result{}, newDetectError(imageRef, ErrWorkerFailed, err)
	}
	if _, err := part.Write(frame); err != nil {
		return Result{}, newDetectError(imageRef, ErrWorkerFailed, err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, newDetectError(imageRef, ErrWorkerFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/api/detect", &body)
	if err != nil {
		return Result{}, newDetectError(imageRef, ErrWorkerFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.Client.Do(req)
	if err != nil {
		return Result{}, d.fail(ctx, imageRef, fmt.Errorf("detect request: %w", err))
	}
	defer resp.Body.Close()

	payload, err := httputil.ReadLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return Result{}, d.fail(ctx, imageRef, fmt.Errorf("read detect response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, newDetectError(imageRef, ErrWorkerFailed,
			fmt.Errorf("detect returned %d: %s", resp.StatusCode, backendMessage(payload)))
	}

	res, err := decodeBackendOutput(payload)
	if err != nil {
		return Result{}, newDetectError(imageRef, ErrMalformedResult, err)
	}
	return res, nil
}

// fail prefers the context's own error so that a timeout is reported as one
// even when it surfaced as a transport error.
func (d *HTTPDetector) fail(ctx context.Context, imageRef string, err error) error {
	if cerr := ContextError(ctx, imageRef); cerr != nil {
		return cerr
	}
	return newDetectError(imageRef, ErrWorkerFailed, err)
}

func (d *HTTPDetector) fetchFrame(ctx context.Context, imageRef string) ([]byte, string, error) {
	if !isRemote(imageRef) {
		files := d.Files
		if files == nil {
			files = fsutil.OSFileSystem{}
		}
		b, err := fsutil.ReadFileLimited(files, imageRef, maxFrameBytes)
		if err != nil {
			return nil, "", fmt.Errorf("read frame: %w", err)
		}
		return b, filepath.Base(imageRef), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageRef, nil)
	if err != nil {
		return nil, "", fmt.Errorf("frame request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch frame: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch frame: status %d", resp.StatusCode)
	}
	b, err := httputil.ReadLimited(resp.Body, maxFrameBytes)
	if err != nil {
		return nil, "", fmt.Errorf("read frame: %w", err)
	}
	name := path.Base(req.URL.Path)
	if name == "/" || name == "." {
		name = "frame.jpg"
	}
	return b, name, nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func backendMessage(payload []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil && e.Error != "" {
		return e.Error
	}
	return tail(payload)
}
