package transport

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// Upload copies one local file to remotePath, replacing it when present.
func (c *Client) Upload(localPath, remotePath string) error {
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()
	return uploadFile(sc, localPath, remotePath)
}

// UploadDir mirrors localDir under remoteDir and returns the number of files
// copied. Custom labware definitions are shipped this way.
func (c *Client) UploadDir(localDir, remoteDir string) (int, error) {
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return 0, fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	count := 0
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			return sc.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := uploadFile(sc, p, target); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func uploadFile(sc *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remotePath), err)
	}
	if _, err := sc.Stat(remotePath); err == nil {
		if err := sc.Remove(remotePath); err != nil {
			return fmt.Errorf("remove %s: %w", remotePath, err)
		}
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", localPath, err)
	}
	return sc.Chmod(remotePath, info.Mode().Perm())
}
