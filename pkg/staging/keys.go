package staging

import (
	"fmt"
	"path"
	"strings"

	"memome/pkg/domain"
)

// Scope places staged blobs under {kind}/{owner}/{parent}.
type Scope struct {
	Kind     domain.ResourceKind
	OwnerID  string
	ParentID string
}

func (s Scope) validate() error {
	if s.Kind == "" || strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("%w: kind and owner are required", ErrInvalidScope)
	}
	for _, seg := range []string{string(s.Kind), s.OwnerID, s.ParentID} {
		if strings.Contains(seg, "/") || seg == "." || seg == ".." {
			return fmt.Errorf("%w: bad segment %q", ErrInvalidScope, seg)
		}
	}
	return nil
}

// Prefix returns the key prefix every blob of the scope shares, with a trailing slash.
func (s Scope) Prefix() string {
	parts := []string{string(s.Kind), s.OwnerID}
	if s.ParentID != "" {
		parts = append(parts, s.ParentID)
	}
	return path.Join(parts...) + "/"
}

// Key returns the storage key for name with extension ext under the scope.
func (s Scope) Key(name, ext string) string {
	return s.Prefix() + name + "." + ext
}
