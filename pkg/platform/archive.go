package platform

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

// ErrUnsafeArchivePath is returned for archive members that would land
// outside the destination directory.
var ErrUnsafeArchivePath = errors.New("archive member escapes destination")

func (p *common) ExtractArchive(archive, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	lower := strings.ToLower(archive)
	var err error
	switch {
	case strings.HasSuffix(lower, ".zip"):
		err = extractZip(archive, dest)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		err = extractTarGz(archive, dest)
	case strings.HasSuffix(lower, ".tar"):
		err = extractTarFile(archive, dest)
	default:
		return fmt.Errorf("unsupported archive type: %s", archive)
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", archive, err)
	}

	log.Debug().Str("archive", archive).Str("dest", dest).Msg("Extracted archive")
	return nil
}

// safeJoin resolves name beneath dest, rejecting absolute paths and
// parent-directory traversal.
func safeJoin(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}

	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	return target, nil
}

func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, f.Mode().Perm())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(archive, dest string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer fh.Close()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return err
	}
	defer gz.Close()

	return extractTar(gz, dest)
}

func extractTarFile(archive, dest string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer fh.Close()

	return extractTar(fh, dest)
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			log.Debug().Str("member", hdr.Name).Msg("Skipping non-regular archive member")
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
