package client

import (
	"archive/tar"
	_ "crypto/sha256" // digest.Canonical
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// reservedManifest is written by the server into every incremental deploy.
const reservedManifest = ".deploy-manifest.json"

// BuildManifest walks dir and digests every regular file. Paths are slash
// separated and relative to dir, sorted for stable output.
func BuildManifest(dir string) ([]Asset, error) {
	var assets []Asset
	err := walkBuild(dir, func(rel, full string, info fs.FileInfo) error {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		d, err := digest.Canonical.FromReader(f)
		if err != nil {
			return fmt.Errorf("digest %s: %w", rel, err)
		}
		assets = append(assets, Asset{Path: rel, Digest: d.String(), ContentLength: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
	return assets, nil
}

// PackArchive writes dir as a gzipped tar to w.
func PackArchive(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := walkBuild(dir, func(rel, full string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func walkBuild(dir string, visit func(rel, full string, info fs.FileInfo) error) error {
	return filepath.WalkDir(dir, func(full string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == reservedManifest {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return visit(rel, full, info)
	})
}
