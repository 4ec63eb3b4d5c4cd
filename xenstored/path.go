package xenstored

import (
	"fmt"
	"strings"
)

// Path is a canonical absolute store path. The zero value is not valid;
// paths are built with ParsePath or the navigation methods.
type Path string

const RootPath Path = "/"

// DomainPath is the home directory of a domain. Relative paths in requests
// resolve against the requesting domain's home.
func DomainPath(domainId DomainId) Path {
	return Path(fmt.Sprintf("/local/domain/%d", domainId))
}

// ParsePath validates and canonicalizes a request path for a domain.
func ParsePath(domainId DomainId, s string) (Path, error) {
	if s == "" {
		return "", Errorf(EINVAL, "empty path")
	}
	if strings.Contains(s, "\x00") {
		return "", Errorf(EINVAL, "path contains NUL")
	}
	if strings.HasPrefix(s, "/") {
		if MaxAbsPathLength < len(s) {
			return "", Errorf(EINVAL, "absolute path too long: %d", len(s))
		}
	} else {
		if MaxRelPathLength < len(s) {
			return "", Errorf(EINVAL, "relative path too long: %d", len(s))
		}
		s = string(DomainPath(domainId)) + "/" + s
	}

	if s == "/" {
		return RootPath, nil
	}
	if strings.HasSuffix(s, "/") {
		return "", Errorf(EINVAL, "trailing slash in %q", s)
	}

	segments := strings.Split(s[1:], "/")
	if MaxPathDepth < len(segments) {
		return "", Errorf(EINVAL, "path depth %d exceeds limit", len(segments))
	}
	for _, segment := range segments {
		if segment == "" {
			return "", Errorf(EINVAL, "empty segment in %q", s)
		}
		if segment == "." || segment == ".." {
			return "", Errorf(EINVAL, "dot segment in %q", s)
		}
	}
	return Path(s), nil
}

func (self Path) IsRoot() bool {
	return self == RootPath
}

// Basename is the final path segment, or "" for the root.
func (self Path) Basename() string {
	if self.IsRoot() {
		return ""
	}
	i := strings.LastIndexByte(string(self), '/')
	return string(self[i+1:])
}

// Parent is the containing directory. The root has no parent.
func (self Path) Parent() (Path, bool) {
	if self.IsRoot() {
		return "", false
	}
	i := strings.LastIndexByte(string(self), '/')
	if i == 0 {
		return RootPath, true
	}
	return self[:i], true
}

func (self Path) Push(basename string) Path {
	if self.IsRoot() {
		return Path("/" + basename)
	}
	return self + Path("/"+basename)
}

// IsChild reports whether self is at or below parent.
func (self Path) IsChild(parent Path) bool {
	if parent.IsRoot() {
		return true
	}
	if self == parent {
		return true
	}
	return strings.HasPrefix(string(self), string(parent)+"/")
}

// Ancestors lists self and every ancestor up to the root, nearest first.
func (self Path) Ancestors() []Path {
	paths := []Path{self}
	current := self
	for {
		parent, ok := current.Parent()
		if !ok {
			return paths
		}
		paths = append(paths, parent)
		current = parent
	}
}

func (self Path) String() string {
	return string(self)
}
