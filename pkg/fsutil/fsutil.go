package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a numeric UID/GID pair applied to written files.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. An empty string yields nil.
func ParseOwner(s string) (*Owner, error) {
	if s == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", s)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// String formats the owner as UID:GID.
func (o *Owner) String() string {
	return fmt.Sprintf("%d:%d", o.UID, o.GID)
}

// Chown applies the owner to path. A nil owner is a no-op. Errors are
// ignored since ownership is best effort for unprivileged runs.
func (o *Owner) Chown(path string) {
	if o == nil {
		return
	}

	_ = os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates dir and its missing parents below root, applying the
// owner to every directory it creates.
func (o *Owner) MkdirAll(root, dir string, perm os.FileMode) error {
	var created []string

	for p := dir; p != root && p != "." && p != string(filepath.Separator); p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		}

		created = append(created, p)
	}

	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}

	for _, p := range created {
		o.Chown(p)
	}

	return nil
}
