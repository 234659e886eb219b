// Package storage publishes compiled artifacts where viewers can fetch them.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ArtifactStore publishes files under a key and returns their public URL.
type ArtifactStore interface {
	Publish(ctx context.Context, key, localPath string) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// ProjectKey returns the key of an artifact of a project.
func ProjectKey(projectID string, parts ...string) string {
	return path.Join(append([]string{"ar", projectID}, parts...)...)
}

// ContentType guesses the MIME type of an artifact from its extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mind":
		return "application/octet-stream"
	case ".mp4":
		return "video/mp4"
	case ".html":
		return "text/html; charset=utf-8"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// LocalStore copies artifacts into a directory served by the API under
// /ar-files.
type LocalStore struct {
	root    string
	baseURL string
}

func NewLocalStore(root, baseURL string) *LocalStore {
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Publish(_ context.Context, key, localPath string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := copyAtomic(localPath, dst); err != nil {
		return "", err
	}
	return s.baseURL + "/ar-files/" + key, nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) error {
	if err := validKey(prefix); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, filepath.FromSlash(prefix)))
}

// copyAtomic writes to a temp file first so readers never see a partial
// artifact.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".publish-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	return nil
}
