// Package notion provides a rate-limited, retrying client for the Notion API
// and the rendering of page blocks into normalized, hashable text.
package notion

import (
	"encoding/json"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the Notion REST API base URL.
	DefaultAPIEndpoint = "https://api.notion.com/v1"

	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	// DefaultTimeout bounds every individual request.
	DefaultTimeout = 30 * time.Second

	// MaxPageSize is the page_size used for paginated endpoints.
	MaxPageSize = 100

	// MaxPages stops pagination loops on a misbehaving cursor.
	MaxPages = 1000
)

// Page is the subset of a Notion page object we read.
type Page struct {
	ID             string              `json:"id"`
	LastEditedTime string              `json:"last_edited_time"`
	Archived       bool                `json:"archived"`
	Properties     map[string]Property `json:"properties"`
}

// Property is a page property. Only title properties are decoded.
type Property struct {
	Type  string     `json:"type"`
	Title []RichText `json:"title,omitempty"`
}

// RichText is one span of rich text.
type RichText struct {
	PlainText string `json:"plain_text"`
}

// Title returns the page title. The property named "title" wins; database
// rows name their title column freely, so any title-typed property is the
// fallback, and the page id is the last resort.
func (p *Page) Title() string {
	if prop, ok := p.Properties["title"]; ok && prop.Type == "title" {
		return plainText(prop.Title)
	}
	for _, prop := range p.Properties {
		if prop.Type == "title" {
			return plainText(prop.Title)
		}
	}
	return p.ID
}

// Block is a Notion block. Kind is derived from Type; the body of the typed
// payload is kept raw and decoded on demand.
type Block struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	HasChildren bool   `json:"has_children"`

	raw map[string]json.RawMessage
}

// UnmarshalJSON keeps the typed payload alongside the common fields.
func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Block(p)
	b.raw = raw
	return nil
}

// Kind returns the closed block kind for b.
func (b *Block) Kind() BlockKind {
	return ParseBlockKind(b.Type)
}

// payload decodes the object stored under the block's type key.
func (b *Block) payload() blockPayload {
	var p blockPayload
	if msg, ok := b.raw[b.Type]; ok {
		_ = json.Unmarshal(msg, &p)
	}
	return p
}

// blockPayload covers the fields shared by the text-bearing block types.
type blockPayload struct {
	RichText []RichText `json:"rich_text"`
	Checked  bool       `json:"checked"`
	Language string     `json:"language"`
	Title    string     `json:"title"`   // child_page
	PageID   string     `json:"page_id"` // link_to_page
	Type     string     `json:"type"`    // link_to_page
}

// listResponse is the envelope of every paginated endpoint.
type listResponse[T any] struct {
	Results    []T     `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

// PageState is the fetched, rendered and hashed state of one page.
type PageState struct {
	ID          string
	Title       string
	LastEdited  string
	Content     string
	ContentHash string
}

// ChildPage is a page referenced from a parent page's blocks.
type ChildPage struct {
	ID     string
	Title  string
	Linked bool // reached through link_to_page rather than child_page
}

func plainText(spans []RichText) string {
	n := 0
	for _, s := range spans {
		n += len(s.PlainText)
	}
	buf := make([]byte, 0, n)
	for _, s := range spans {
		buf = append(buf, s.PlainText...)
	}
	return string(buf)
}
