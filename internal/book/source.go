package book

import (
	"net/http"
	"os"
)

// SourceKind is the tagged discriminator for a book's byte source.
// Exactly one kind is fixed at construction and never changed; no runtime
// type inspection happens anywhere downstream.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceRequest
	SourceURI
	SourceFile
	SourceFileHandle
	SourcePush
)

// String returns a human-readable name for logging.
func (k SourceKind) String() string {
	switch k {
	case SourceRequest:
		return "request"
	case SourceURI:
		return "uri"
	case SourceFile:
		return "file"
	case SourceFileHandle:
		return "file-handle"
	case SourcePush:
		return "push"
	default:
		return "none"
	}
}

// Source is the variant describing where a book's bytes come from.
// Only the field matching kind is populated.
type Source struct {
	kind   SourceKind
	req    *http.Request
	uri    string
	path   string
	handle *os.File
}

// Kind reports the configured source kind.
func (s Source) Kind() SourceKind { return s.kind }
