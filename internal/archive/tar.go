// Package archive packs image build contexts into tar streams for the
// container engine's build endpoint.
package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PackContext tars the contents of dir (the Dockerfile and anything staged
// beside it) into an in-memory build context. Entries matching an exclude
// pattern are skipped; a pattern ending in "/" prunes a whole subtree,
// otherwise it names a single file.
func PackContext(dir string, excludes []string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if shouldExclude(rel, info.IsDir(), excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     rel + "/",
				Mode:     0755,
				Typeflag: tar.TypeDir,
				ModTime:  info.ModTime(),
			})
		}
		return addFile(tw, path, rel, info)
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, srcPath, archivePath string, info os.FileInfo) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:     archivePath,
		Mode:     0644,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func shouldExclude(rel string, isDir bool, excludes []string) bool {
	for _, pat := range excludes {
		if strings.HasSuffix(pat, "/") {
			prefix := strings.TrimSuffix(pat, "/")
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
			continue
		}
		if !isDir && rel == pat {
			return true
		}
	}
	return false
}
