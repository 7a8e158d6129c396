package update

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Config snapshot and restore. Before a slot is replaced or rolled
// away from, the deployment-managed /etc files are archived next to
// the slot metadata, so a rollback restores the matching config.

// defaultEtcFiles are the config files the deployment owns.
var defaultEtcFiles = []string{
	"/etc/mcapp/config.yaml",
	"/etc/systemd/system/mcapp.service",
	"/etc/systemd/system/mcapp-ble.service",
	"/etc/lighttpd/conf-available/99-mcapp.conf",
	"/etc/lighttpd/lighttpd.conf",
}

func (r *Runner) etcFiles() []string {
	if r.EtcFiles != nil {
		return r.EtcFiles
	}
	return defaultEtcFiles
}

func (r *Runner) restoreRoot() string {
	if r.RestoreRoot != "" {
		return r.RestoreRoot
	}
	return "/"
}

func (r *Runner) archivePath(slot int) string {
	return filepath.Join(r.Slots.MetaDir(), fmt.Sprintf("slot-%d.etc.tar.gz", slot))
}

// snapshotEtc archives the existing config files for a slot. Missing
// files are skipped; an empty file set writes no archive.
func (r *Runner) snapshotEtc(slot int) error {
	var present []string
	for _, path := range r.etcFiles() {
		if _, err := os.Stat(path); err == nil {
			present = append(present, path)
		}
	}
	if len(present) == 0 {
		return nil
	}

	if err := os.MkdirAll(r.Slots.MetaDir(), 0o755); err != nil {
		return err
	}
	f, err := os.Create(r.archivePath(slot))
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	for _, path := range present {
		if err := addFile(tw, path); err != nil {
			tw.Close()
			gw.Close()
			return fmt.Errorf("archive %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func addFile(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = strings.TrimPrefix(path, "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// restoreEtc extracts a slot's config snapshot back into place.
// Returns false without error when no snapshot exists.
func (r *Runner) restoreEtc(slot int) (bool, error) {
	f, err := os.Open(r.archivePath(slot))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return false, err
	}
	defer gr.Close()

	root := r.restoreRoot()
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// Reject anything that would escape the restore root.
		rel := filepath.Clean(hdr.Name)
		if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
			return false, fmt.Errorf("unsafe archive entry %q", hdr.Name)
		}
		dest := filepath.Join(root, rel)

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return false, err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
			os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return false, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return false, err
		}
		if err := out.Close(); err != nil {
			return false, err
		}
	}
}
