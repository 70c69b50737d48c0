package media

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RoutePrefix is where Handler is mounted on the status server.
const RoutePrefix = "/media/"

// Store keeps republished attachments on disk so the outbound provider can fetch them
// without seeing Telegram credentials.
type Store struct {
	dir           string
	publicBaseURL string
	log           *slog.Logger
}

// NewStore creates dir if needed. publicBaseURL is the externally reachable address of
// the status server, for example https://relay.example.com.
func NewStore(dir string, publicBaseURL string, log *slog.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media.dir is required")
	}

	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid media.public_base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("media.public_base_url must use http or https scheme, got %q", base.Scheme)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		dir:           dir,
		publicBaseURL: base.String(),
		log:           log.With("component", "media.store"),
	}, nil
}

// Put writes content under a randomized variant of name and returns its public URL.
// The random prefix keeps stored URLs unguessable.
func (s *Store) Put(name string, content io.Reader) (string, error) {
	prefix := make([]byte, 8)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("generate media name: %w", err)
	}
	stored := hex.EncodeToString(prefix) + "-" + sanitizeName(name)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close media file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, stored)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store media file: %w", err)
	}

	return s.publicBaseURL + RoutePrefix + url.PathEscape(stored), nil
}

// Handler serves stored files below RoutePrefix. Directory listings are refused.
func (s *Store) Handler() http.Handler {
	files := http.StripPrefix(RoutePrefix, http.FileServer(http.Dir(s.dir)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, RoutePrefix)
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}

		files.ServeHTTP(w, r)
	})
}

// Sweep deletes stored files older than maxAge and returns how many were removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read media dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.log.Debug("Swept media files", "removed", removed, "max_age", maxAge)
	}

	return removed, errors.Join(errs...)
}

// sanitizeName keeps a safe basename of letters, digits, dots, dashes and underscores.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	clean := strings.TrimLeft(b.String(), ".")
	if clean == "" {
		return "file"
	}

	return clean
}
