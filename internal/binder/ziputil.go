package binder

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
)

// ZIP record signatures and fixed lengths.
const (
	localFileHeaderSig = 0x04034b50
	centralDirSig      = 0x02014b50
	eocdSig            = 0x06054b50

	localHeaderLen = 30
	eocdLen        = 22

	// flagDataDescriptor marks an entry whose sizes follow the data instead
	// of the header; such entries cannot be extracted mid-stream.
	flagDataDescriptor = 0x0008

	methodStored   = 0
	methodDeflated = 8
)

// hasZipSignature reports whether data begins with any ZIP record signature
// (a regular archive, an empty archive, or a spanned marker all start with
// "PK").
func hasZipSignature(data []byte) bool {
	return len(data) >= 2 && data[0] == 'P' && data[1] == 'K'
}

// localEntry is one decoded local-file record.
type localEntry struct {
	name       string
	method     uint16
	hasDesc    bool
	compressed []byte
	uncompSize int64
	next       int // offset of the record following this one
}

// parseLocalEntry decodes the local-file record at off. It returns ok=false
// when the record is not yet complete in buf; the caller retries once more
// bytes arrive. Records carrying a data descriptor report hasDesc with no
// payload, since their compressed size is unknown mid-stream.
func parseLocalEntry(buf []byte, off int) (localEntry, bool) {
	if len(buf)-off < localHeaderLen {
		return localEntry{}, false
	}
	h := buf[off:]
	flags := binary.LittleEndian.Uint16(h[6:8])
	method := binary.LittleEndian.Uint16(h[8:10])
	compSize := int64(binary.LittleEndian.Uint32(h[18:22]))
	uncompSize := int64(binary.LittleEndian.Uint32(h[22:26]))
	nameLen := int(binary.LittleEndian.Uint16(h[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(h[28:30]))

	if len(buf)-off < localHeaderLen+nameLen {
		return localEntry{}, false
	}
	name := string(h[localHeaderLen : localHeaderLen+nameLen])

	if flags&flagDataDescriptor != 0 {
		// Size unknown until the descriptor; not streamable.
		return localEntry{name: name, method: method, hasDesc: true}, true
	}

	dataStart := off + localHeaderLen + nameLen + extraLen
	if int64(len(buf))-int64(dataStart) < compSize {
		return localEntry{}, false
	}
	return localEntry{
		name:       name,
		method:     method,
		compressed: buf[dataStart : dataStart+int(compSize)],
		uncompSize: uncompSize,
		next:       dataStart + int(compSize),
	}, true
}

// findEOCD searches the tail of buf for the end-of-central-directory record
// and returns the total entry count. ZIP permits a trailing comment of up to
// 64 KB, so the search walks backwards through that window. A candidate only
// counts when the central directory it points at is fully present and ends
// exactly where the record begins — compressed page data can contain the
// signature bytes, and a mid-stream false positive must never complete the
// archive early.
func findEOCD(buf []byte) (entries int, ok bool) {
	if len(buf) < eocdLen {
		return 0, false
	}
	floor := len(buf) - eocdLen - 65536
	if floor < 0 {
		floor = 0
	}
	for i := len(buf) - eocdLen; i >= floor; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) != eocdSig {
			continue
		}
		n := int(binary.LittleEndian.Uint16(buf[i+10 : i+12]))
		cdSize := int64(binary.LittleEndian.Uint32(buf[i+12 : i+16]))
		cdOffset := int64(binary.LittleEndian.Uint32(buf[i+16 : i+20]))
		if cdOffset+cdSize != int64(i) {
			continue
		}
		if n > 0 {
			if cdSize < 4 || binary.LittleEndian.Uint32(buf[cdOffset:]) != centralDirSig {
				continue
			}
		} else if cdSize != 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

// inflate decompresses one entry's payload, enforcing limit against both the
// declared and the actual decompressed size (the declared size might be
// forged).
func inflate(name string, method uint16, compressed []byte, declared, limit int64) ([]byte, error) {
	if declared > limit {
		return nil, fmt.Errorf("binder: entry %s too large: %d bytes (max %d)", name, declared, limit)
	}
	switch method {
	case methodStored:
		out := make([]byte, len(compressed))
		copy(out, compressed)
		return out, nil
	case methodDeflated:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		out, err := io.ReadAll(io.LimitReader(fr, limit+1))
		if err != nil {
			return nil, fmt.Errorf("binder: inflate entry %s: %w", name, err)
		}
		if int64(len(out)) > limit {
			return nil, fmt.Errorf("binder: entry %s decompressed size exceeds limit (%d bytes)", name, limit)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("binder: entry %s uses unsupported method %d", name, method)
	}
}

// readArchiveEntry reads one entry through the stdlib reader, used by the
// whole-archive fallback path. Enforces the same size limit as inflate.
func readArchiveEntry(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("binder: entry %s too large: %d bytes (max %d)", f.Name, f.UncompressedSize64, limit)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("binder: open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("binder: read entry %s: %w", f.Name, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("binder: entry %s decompressed size exceeds limit (%d bytes)", f.Name, limit)
	}
	return out, nil
}

// isSafeEntryPath rejects absolute paths and traversal outside the archive
// root.
func isSafeEntryPath(p string) bool {
	cleaned := path.Clean(p)
	if strings.HasPrefix(cleaned, "/") {
		return false
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// pageMIMETypes maps image entry extensions to page MIME types. Entries
// outside this set are not pages.
var pageMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// pageMIMEType returns the MIME type for an image entry, or "" when the
// entry is not a page.
func pageMIMEType(name string) string {
	return pageMIMETypes[strings.ToLower(path.Ext(name))]
}

// isMetadataEntry reports whether the entry carries book metadata.
func isMetadataEntry(name string) bool {
	return strings.EqualFold(path.Base(name), "ComicInfo.xml")
}
