// Package uploads stores user files on local disk. Files are served back by
// the API under the public prefixes below.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	CommentsDir        = "comments"
	ProfilePicturesDir = "profilePictures"

	CommentsPrefix        = "/Uploads/comments/"
	ProfilePicturesPrefix = "/profilePictures/"
)

var (
	ErrInvalidName = errors.New("uploads: invalid file name")

	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Disk writes uploads below Root.
type Disk struct {
	Root string
}

// New creates the upload directories under root.
func New(root string) (*Disk, error) {
	for _, dir := range []string{CommentsDir, ProfilePicturesDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
		}
	}
	return &Disk{Root: root}, nil
}

func (d *Disk) CommentsRoot() string        { return filepath.Join(d.Root, CommentsDir) }
func (d *Disk) ProfilePicturesRoot() string { return filepath.Join(d.Root, ProfilePicturesDir) }

func (d *Disk) SaveCommentAttachment(filename string, r io.Reader) (string, error) {
	name, err := d.save(CommentsDir, filename, r)
	if err != nil {
		return "", err
	}
	return CommentsPrefix + name, nil
}

func (d *Disk) RemoveCommentAttachment(path string) error {
	return d.remove(CommentsDir, CommentsPrefix, path)
}

func (d *Disk) SaveProfileImage(filename string, r io.Reader) (string, error) {
	name, err := d.save(ProfilePicturesDir, filename, r)
	if err != nil {
		return "", err
	}
	return ProfilePicturesPrefix + name, nil
}

func (d *Disk) RemoveProfileImage(path string) error {
	return d.remove(ProfilePicturesDir, ProfilePicturesPrefix, path)
}

// CommentAttachment resolves a stored attachment name to its location on
// disk. Names that would leave the comments directory are rejected.
func (d *Disk) CommentAttachment(name string) (string, error) {
	if !validName(name) {
		return "", ErrInvalidName
	}
	return filepath.Join(d.Root, CommentsDir, name), nil
}

// OriginalName strips the unique prefix added on save.
func OriginalName(stored string) string {
	if i := strings.IndexByte(stored, '_'); i == 36 {
		return stored[i+1:]
	}
	return stored
}

func (d *Disk) save(dir, filename string, r io.Reader) (string, error) {
	name := uuid.NewString() + "_" + cleanName(filename)
	f, err := os.OpenFile(filepath.Join(d.Root, dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close upload: %w", err)
	}
	return name, nil
}

func (d *Disk) remove(dir, prefix, path string) error {
	name, ok := strings.CutPrefix(path, prefix)
	if !ok || !validName(name) {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(d.Root, dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func cleanName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "-"), ".-")
	if base == "" {
		return "file"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return base
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
