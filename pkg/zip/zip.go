// Package zip assembles download bundles for pipeline outputs.
package zip

import (
	"archive/zip"
	"bytes"
)

type Asset struct {
	Filename string
	MIME     string
	Data     []byte
}

// ArchiveAssets packs assets into an in-memory zip. Entries that cannot be
// created are skipped; a write failure aborts the archive.
func ArchiveAssets(assets []Asset) []byte {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, asset := range assets {
		w, err := zw.Create(asset.Filename)
		if err != nil {
			continue
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil
		}
	}
	_ = zw.Close()
	return buf.Bytes()
}

// ArchiveWithManifest packs assets plus a manifest.json describing the
// bundle.
func ArchiveWithManifest(manifest []byte, assets []Asset) []byte {
	all := make([]Asset, 0, len(assets)+1)
	all = append(all, Asset{Filename: "manifest.json", MIME: "application/json", Data: manifest})
	all = append(all, assets...)
	return ArchiveAssets(all)
}
