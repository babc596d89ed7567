package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Root is the path of the namespace root.
const Root = "/"

// ValidatePath checks that p is absolute, has no empty, "." or ".."
// segments and no trailing slash unless it is the root.
func ValidatePath(p string) error {
	if p == Root {
		return nil
	}
	if p == "" || p[0] != '/' {
		return fmt.Errorf("%w: %q must start with /", ErrMalformedPath, p)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: %q contains a null character", ErrMalformedPath, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrMalformedPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrMalformedPath, p)
		}
	}
	return nil
}

// JoinPath appends a child name to parent.
func JoinPath(parent, name string) string {
	if parent == Root || parent == "" {
		return Root + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of p, or "" for the root.
func ParentPath(p string) string {
	if p == Root || p == "" {
		return ""
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// BaseName returns the last segment of p, or "" for the root.
func BaseName(p string) string {
	if p == Root {
		return ""
	}
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Depth counts the segments of p; the root has depth 0.
func Depth(p string) int {
	if p == Root || p == "" {
		return 0
	}
	return strings.Count(p, "/")
}

// IsAncestorOrSelf reports whether p equals ancestor or lies beneath it.
// The match is segment aware so /a is not an ancestor of /ab.
func IsAncestorOrSelf(ancestor, p string) bool {
	if ancestor == Root {
		return strings.HasPrefix(p, Root)
	}
	return p == ancestor || strings.HasPrefix(p, ancestor+"/")
}

// SplitRelative splits a relative name like "a/b/c" into segments.
// Surrounding slashes are ignored.
func SplitRelative(rel string) ([]string, error) {
	trimmed := strings.Trim(rel, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty node name %q", ErrMalformedPath, rel)
	}
	segs := strings.Split(trimmed, "/")
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: bad segment in %q", ErrMalformedPath, rel)
		}
	}
	return segs, nil
}

// CreateRecursive creates each missing segment of rel beneath parent and
// returns the full paths it had to create, shallowest first. Segments that
// already exist are walked through.
func CreateRecursive(ctx context.Context, s Store, parent, rel string) ([]string, error) {
	if parent == "" {
		parent = Root
	}
	if err := ValidatePath(parent); err != nil {
		return nil, err
	}
	segs, err := SplitRelative(rel)
	if err != nil {
		return nil, err
	}

	var created []string
	cur := parent
	for _, seg := range segs {
		cur = JoinPath(cur, seg)
		ok, _, err := s.Exists(ctx, cur)
		if err != nil {
			return created, err
		}
		if ok {
			continue
		}
		if err := s.Create(ctx, cur, nil); err != nil {
			// lost a race with another creator
			if errors.Is(err, ErrConflict) {
				continue
			}
			return created, err
		}
		created = append(created, cur)
	}
	return created, nil
}

// DeleteRecursive removes p and everything beneath it, deepest first.
// A node that vanishes concurrently is not an error.
func DeleteRecursive(ctx context.Context, s Store, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if p == Root {
		return fmt.Errorf("%w: refusing to delete the root", ErrMalformedPath)
	}
	children, _, err := s.ListChildren(ctx, p)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(ctx, s, JoinPath(p, child)); err != nil {
			return err
		}
	}
	if err := s.Delete(ctx, p, AnyVersion); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}
