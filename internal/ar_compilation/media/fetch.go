package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrSourceNotAllowed is returned for media sources outside what the fetcher
// may read: non-http(s) schemes, paths outside LocalRoot and non-public hosts.
var ErrSourceNotAllowed = errors.New("media source not allowed")

type FetcherOptions struct {
	Timeout time.Duration
	// LocalRoot allows plain paths below it. Empty disables local sources.
	LocalRoot string
	// AllowPrivateNetworks lets downloads reach loopback and private
	// addresses. Only for local development.
	AllowPrivateNetworks bool
}

// Fetcher brings source media into a project's working directory so the
// pipeline never touches the caller's files.
type Fetcher struct {
	httpClient *http.Client
	localRoot  string
	maxBytes   int64
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !opts.AllowPrivateNetworks {
		dialer.Control = publicOnly
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &Fetcher{
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		localRoot:  opts.LocalRoot,
		maxBytes:   512 << 20,
	}
}

// IsRemoteURL reports whether src is an absolute http(s) URL with a host.
func IsRemoteURL(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch copies or downloads src into dir as name+ext and returns the path.
func (f *Fetcher) Fetch(ctx context.Context, src, dir, name string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("empty media source")
	}

	if IsRemoteURL(src) {
		u, _ := url.Parse(src)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create work dir: %w", err)
		}
		dst := filepath.Join(dir, name+extOf(u.Path))
		return dst, f.download(ctx, src, dst)
	}

	local, err := f.resolveLocal(src)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dst := filepath.Join(dir, name+extOf(local))
	return dst, copyFile(local, dst)
}

// resolveLocal accepts a plain path only when it resolves below localRoot.
func (f *Fetcher) resolveLocal(src string) (string, error) {
	if f.localRoot == "" || strings.Contains(src, "://") {
		return "", fmt.Errorf("%w: %q", ErrSourceNotAllowed, src)
	}
	root, err := filepath.EvalSymlinks(f.localRoot)
	if err != nil {
		return "", fmt.Errorf("resolve media root: %w", err)
	}
	p := src
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the media root", ErrSourceNotAllowed, src)
	}
	return resolved, nil
}

// publicOnly refuses connections to loopback, private, link-local and
// unspecified addresses. It runs after DNS resolution, so rebinding a name
// to an internal address is caught too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return fmt.Errorf("%w: address %s", ErrSourceNotAllowed, host)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := out.Close()
	if err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if closeErr != nil {
		return closeErr
	}
	if n > f.maxBytes {
		_ = os.Remove(dst)
		return fmt.Errorf("download %s: larger than %d bytes", src, f.maxBytes)
	}
	return nil
}

func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func extOf(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if len(ext) > 6 {
		return ""
	}
	return ext
}
