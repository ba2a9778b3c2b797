// Package security validates caller-supplied frame references before the
// service reads or fetches them.
package security

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideAllowedDirs rejects a local path that resolves outside every
	// allowed directory.
	ErrOutsideAllowedDirs = errors.New("path is outside the allowed directories")
	// ErrUnsupportedURL rejects URLs that are not absolute http(s) with a host.
	ErrUnsupportedURL = errors.New("unsupported URL")
)

// canonicalize resolves p to an absolute path with symlinks evaluated. A
// path that does not exist yet is resolved through its nearest existing
// ancestor, so a symlinked parent cannot smuggle it elsewhere.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory reports an error unless filePath, after
// cleaning and symlink resolution, lies inside dir.
func ValidatePathWithinDirectory(filePath, dir string) error {
	path, err := canonicalize(filePath)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutsideAllowedDirs, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrOutsideAllowedDirs, filePath, dir)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts filePath if it lies inside any of
// allowedDirs.
func ValidatePathWithinAllowedDirs(filePath string, allowedDirs []string) error {
	if len(allowedDirs) == 0 {
		return fmt.Errorf("%w: none configured", ErrOutsideAllowedDirs)
	}
	for _, dir := range allowedDirs {
		if err := ValidatePathWithinDirectory(filePath, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrOutsideAllowedDirs, allowedDirs)
}

// ValidateRemoteURL accepts absolute http and https URLs with a host and no
// embedded credentials.
func ValidateRemoteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in URL", ErrUnsupportedURL)
	}
	return u, nil
}

// SanitizeFilename maps s to a safe file name: ASCII letters, digits, dot,
// underscore and dash are kept, runs of anything else become one
// underscore, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
