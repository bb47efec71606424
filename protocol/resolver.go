package protocol

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrPathEscapesRoot is returned for request paths that resolve outside the
// configured upload root.
var ErrPathEscapesRoot = errors.New("request path escapes upload root")

// Resolver maps a requested resource path to the absolute filesystem path
// the upload will occupy. Resolution failures surface as access-denied at
// session creation.
type Resolver func(requestPath string) (string, error)

// ResolveUnder returns a Resolver rooted at baseDir. The request path,
// stripped of its leading separator, is joined to the root; a resolved path
// outside the root is rejected so that traversal sequences cannot address
// files elsewhere on the host.
func ResolveUnder(baseDir string) (Resolver, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}

	return func(requestPath string) (string, error) {
		requestPath = strings.TrimPrefix(requestPath, "/")
		target, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(requestPath)))
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(absBase, target)
		if err != nil {
			return "", err
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
			return "", ErrPathEscapesRoot
		}
		return target, nil
	}, nil
}
