package capsule

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"capsmith/internal/faults"
)

// Packaging is byte-for-byte deterministic: entries in lexicographic path
// order, all timestamps at the Unix epoch, fixed modes. Repackaging the
// same capsule version always yields identical bytes.

var epoch = time.Unix(0, 0).UTC()

// packageEntries flattens the capsule into the archive file list,
// including the generated manifest and report sidecars.
func packageEntries(c *Capsule) (map[string][]byte, error) {
	entries := make(map[string][]byte, len(c.Files)+len(c.Tests)+2)
	for p, b := range c.Files {
		entries[p] = b
	}
	for p, b := range c.Tests {
		entries[p] = b
	}

	manifest, err := json.MarshalIndent(struct {
		Manifest
		CapsuleID string `json:"capsule_id"`
		Version   int    `json:"version"`
		Signature string `json:"signature"`
	}{c.Manifest, c.ID, c.Version, c.Signature}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("capsule.package: %w", err)
	}
	entries["capsule.json"] = append(manifest, '\n')

	report, err := json.MarshalIndent(c.Report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("capsule.package: %w", err)
	}
	entries["report.json"] = append(report, '\n')
	return entries, nil
}

// PackageZip renders the capsule as a deterministic zip archive.
func PackageZip(c *Capsule) ([]byte, error) {
	if c.State != StateFinalized && c.State != StateDelivered {
		return nil, faults.Newf(faults.Permanent, "capsule.package", "capsule %s not finalized", c.ID)
	}
	entries, err := packageEntries(c)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range sortedPaths(entries) {
		hdr := &zip.FileHeader{Name: p, Method: zip.Deflate}
		hdr.SetMode(0o644)
		hdr.Modified = epoch
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("capsule.package: %w", err)
		}
		if _, err := w.Write(entries[p]); err != nil {
			return nil, fmt.Errorf("capsule.package: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("capsule.package: %w", err)
	}
	return buf.Bytes(), nil
}

// PackageTar renders the capsule as a deterministic uncompressed tar.
func PackageTar(c *Capsule) ([]byte, error) {
	if c.State != StateFinalized && c.State != StateDelivered {
		return nil, faults.Newf(faults.Permanent, "capsule.package", "capsule %s not finalized", c.ID)
	}
	entries, err := packageEntries(c)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range sortedPaths(entries) {
		hdr := &tar.Header{
			Name:    p,
			Mode:    0o644,
			Size:    int64(len(entries[p])),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("capsule.package: %w", err)
		}
		if _, err := tw.Write(entries[p]); err != nil {
			return nil, fmt.Errorf("capsule.package: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("capsule.package: %w", err)
	}
	return buf.Bytes(), nil
}
