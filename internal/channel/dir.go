package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DirChannel serves a drop site that is reachable as a directory, such as a
// mounted share.
type DirChannel struct {
	root string
}

func NewDirChannel(root string) (*DirChannel, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidEndpoint)
	}
	return &DirChannel{root: filepath.Clean(root)}, nil
}

func (c *DirChannel) Root() string {
	return c.root
}

func (c *DirChannel) String() string {
	return "file://" + filepath.ToSlash(c.root)
}

func (c *DirChannel) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transportError(c.String(), "list", name, err)
	}
	_, found, err := c.resolve(name)
	if err != nil {
		return false, transportError(c.String(), "list", name, err)
	}
	return found, nil
}

func (c *DirChannel) Download(ctx context.Context, name, localPath string) error {
	if err := ctx.Err(); err != nil {
		return transportError(c.String(), "download", name, err)
	}
	source, found, err := c.resolve(name)
	if err != nil {
		return transportError(c.String(), "download", name, err)
	}
	if !found {
		return transportError(c.String(), "download", name, ErrNotFound)
	}
	if err := copyFile(ctx, source, localPath); err != nil {
		_ = os.Remove(localPath)
		return transportError(c.String(), "download", name, err)
	}
	return nil
}

func (c *DirChannel) Upload(ctx context.Context, name, localPath string) error {
	if err := ctx.Err(); err != nil {
		return transportError(c.String(), "upload", name, err)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return transportError(c.String(), "upload", name, err)
	}
	if err := writeFileAtomic(filepath.Join(c.root, name), data, 0o644); err != nil {
		return transportError(c.String(), "upload", name, err)
	}
	return nil
}

func (c *DirChannel) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, transportError(c.String(), "delete", name, err)
	}
	target, found, err := c.resolve(name)
	if err != nil {
		return false, transportError(c.String(), "delete", name, err)
	}
	if !found {
		return false, nil
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, transportError(c.String(), "delete", name, err)
	}
	return true, nil
}

// resolve finds the regular file whose name matches case-insensitively.
func (c *DirChannel) resolve(name string) (string, bool, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return "", false, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), name) {
			return filepath.Join(c.root, entry.Name()), true, nil
		}
	}
	return "", false, nil
}

func copyFile(ctx context.Context, source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &contextReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
