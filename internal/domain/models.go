package domain

import "time"

// BookType classifies a bound book by its container/content kind.
type BookType string

const (
	BookTypeComic   BookType = "comic"
	BookTypeGeneric BookType = "generic"
)

// Page is one extracted unit of a book's content. Pages are produced and
// owned by the Binder; the orchestrator references them in arrival order and
// never mutates them after receipt.
type Page struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// BookMetadata is the replaceable structured record attached to a book.
// Assignments into a Book go through Clone so that neither the caller nor
// the orchestrator can alias the other's state.
type BookMetadata struct {
	BookType BookType          `json:"book_type"`
	Title    string            `json:"title,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Clone returns an independent deep copy of the metadata record.
func (m BookMetadata) Clone() BookMetadata {
	out := BookMetadata{
		BookType: m.BookType,
		Title:    m.Title,
	}
	if m.Tags != nil {
		out.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// BookRecord is the catalog entry persisted for each opened book.
// The byte sequence and pages stay in memory; only descriptive state is
// written through to the repository.
type BookRecord struct {
	ID        string    `json:"id" reindex:"id,,pk"`
	Name      string    `json:"name" reindex:"name"`
	MIMEType  string    `json:"mime_type" reindex:"mime_type"`
	Pages     int       `json:"pages" reindex:"pages"`
	State     string    `json:"state" reindex:"state"`
	CreatedAt time.Time `json:"created_at" reindex:"created_at"`
}

// Book load states recorded in the catalog.
const (
	BookStateLoading = "loading"
	BookStateLoaded  = "loaded"
	BookStateBound   = "bound"
	BookStateFailed  = "failed"
)

// PaginationParams represents pagination parameters for catalog listings.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResult represents one page of catalog entries.
type PaginatedResult struct {
	Items   []*BookRecord
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}
