// Package cloudzip exposes Zip archives stored in cloud object stores as
// navigable, read-only filesystems without downloading the archive in full.
//
// An archive's index is built from a small suffix of the remote object (the
// end-of-central-directory trailer and the central directory) with two range
// fetches. Extracting an entry costs two more: one for its local file header
// and one for exactly its compressed payload. Decompression streams, and the
// output's CRC-32 is verified against the central directory record.
//
// Archive implements fs.FS, fs.StatFS, fs.ReadDirFS, and fs.ReadFileFS.
// The namespace is flat: path separators in entry names are opaque bytes and
// ReadDir lists every entry under ".". Write-side operations are never
// supported; Remove, Rename, Mkdir, Chtimes, and WriteFile exist only to
// report that deterministically.
//
// Remote access goes through the ByteSource interface. The bucket subpackage
// provides a source over gocloud.dev buckets (S3, Azure, GCS, local files)
// with retry and backoff; the http subpackage provides one over plain HTTP
// range requests.
package cloudzip
