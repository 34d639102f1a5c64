package binder

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/codedread/kthoom/internal/domain"
)

// comicInfo mirrors the subset of the ComicRack ComicInfo.xml schema that
// maps onto book metadata.
type comicInfo struct {
	XMLName   xml.Name `xml:"ComicInfo"`
	Title     string   `xml:"Title"`
	Series    string   `xml:"Series"`
	Number    string   `xml:"Number"`
	Writer    string   `xml:"Writer"`
	Publisher string   `xml:"Publisher"`
	Year      int      `xml:"Year"`
	Summary   string   `xml:"Summary"`
}

// parseComicInfo decodes a ComicInfo.xml payload into a metadata record.
// Unknown elements are ignored; only a malformed document is an error.
func parseComicInfo(content []byte, bookType domain.BookType) (domain.BookMetadata, error) {
	var ci comicInfo
	if err := xml.Unmarshal(content, &ci); err != nil {
		return domain.BookMetadata{}, fmt.Errorf("binder: parse ComicInfo.xml: %w", err)
	}

	md := domain.BookMetadata{
		BookType: bookType,
		Title:    strings.TrimSpace(ci.Title),
		Tags:     make(map[string]string),
	}
	if md.Title == "" && ci.Series != "" {
		md.Title = strings.TrimSpace(ci.Series + " " + ci.Number)
	}
	setTag(md.Tags, "series", ci.Series)
	setTag(md.Tags, "number", ci.Number)
	setTag(md.Tags, "writer", ci.Writer)
	setTag(md.Tags, "publisher", ci.Publisher)
	setTag(md.Tags, "summary", ci.Summary)
	if ci.Year > 0 {
		md.Tags["year"] = strconv.Itoa(ci.Year)
	}
	if len(md.Tags) == 0 {
		md.Tags = nil
	}
	return md, nil
}

func setTag(tags map[string]string, key, value string) {
	value = strings.TrimSpace(value)
	if value != "" {
		tags[key] = value
	}
}
