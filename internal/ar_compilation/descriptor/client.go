package descriptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 180 * time.Second
	maxDescriptor  = 64 << 20
)

// Result is the compiled recognition descriptor for one marker image.
type Result struct {
	Descriptor []byte
	SizeBytes  int64
	TimeMs     int64
}

// Client talks to the external descriptor compiler. Calls are throttled
// because the compiler is a shared, slow service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	attempts   int
	backoff    time.Duration
}

// NewClient creates a client. rps <= 0 disables throttling.
func NewClient(baseURL string, timeout time.Duration, rps float64, burst int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		attempts:   2,
		backoff:    2 * time.Second,
	}
}

// Compile uploads the image and returns the descriptor. Every failure is
// reported as ErrDescriptorCompilation.
func (c *Client) Compile(ctx context.Context, imagePath string) (*Result, error) {
	const op = "descriptor_compile"

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, domain.NewError(domain.ErrDescriptorCompilation, op, fmt.Errorf("read image: %w", err))
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewError(domain.ErrDescriptorCompilation, op, err)
		}

		blob, err := c.post(ctx, filepath.Base(imagePath), image)
		if err == nil {
			return &Result{
				Descriptor: blob,
				SizeBytes:  int64(len(blob)),
				TimeMs:     time.Since(start).Milliseconds(),
			}, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil || attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.ErrDescriptorCompilation, op, ctx.Err())
		case <-time.After(c.backoff):
		}
	}
	return nil, domain.NewError(domain.ErrDescriptorCompilation, op, lastErr)
}

type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("compiler rejected image: status %d: %s", e.status, e.body)
}

func (c *Client) post(ctx context.Context, filename string, image []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compile", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compiler request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptor+1))
	if err != nil {
		return nil, fmt.Errorf("read compiler response: %w", err)
	}
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &permanentError{status: resp.StatusCode, body: truncate(string(data), 200)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("compiler returned status %d", resp.StatusCode)
	case len(data) == 0:
		return nil, errors.New("compiler returned an empty descriptor")
	case len(data) > maxDescriptor:
		return nil, fmt.Errorf("descriptor larger than %d bytes", maxDescriptor)
	}
	return data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
