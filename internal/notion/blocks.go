package notion

import (
	"strings"

	"github.com/apprenticegc/rfcflow/internal/contenthash"
)

// BlockKind is the closed set of block types that contribute content.
type BlockKind int

const (
	KindUnknown BlockKind = iota
	KindHeading1
	KindHeading2
	KindHeading3
	KindParagraph
	KindBulletedListItem
	KindNumberedListItem
	KindToDo
	KindCode
	KindQuote
)

var blockKinds = map[string]BlockKind{
	"heading_1":          KindHeading1,
	"heading_2":          KindHeading2,
	"heading_3":          KindHeading3,
	"paragraph":          KindParagraph,
	"bulleted_list_item": KindBulletedListItem,
	"numbered_list_item": KindNumberedListItem,
	"to_do":              KindToDo,
	"code":               KindCode,
	"quote":              KindQuote,
}

// ParseBlockKind maps a Notion type string to a BlockKind. Anything else is
// KindUnknown.
func ParseBlockKind(t string) BlockKind {
	return blockKinds[t]
}

func (k BlockKind) String() string {
	for name, kind := range blockKinds {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Render flattens blocks into markdown-like lines and normalizes the result.
// Unknown kinds are skipped, as are blank paragraphs.
func Render(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for i := range blocks {
		if line, ok := renderBlock(&blocks[i]); ok {
			parts = append(parts, line)
		}
	}
	return contenthash.Normalize(strings.Join(parts, "\n"))
}

func renderBlock(b *Block) (string, bool) {
	kind := b.Kind()
	if kind == KindUnknown {
		return "", false
	}
	p := b.payload()
	text := plainText(p.RichText)

	switch kind {
	case KindHeading1:
		return "# " + text, true
	case KindHeading2:
		return "## " + text, true
	case KindHeading3:
		return "### " + text, true
	case KindParagraph:
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		return text, true
	case KindBulletedListItem:
		return "- " + text, true
	case KindNumberedListItem:
		return "1. " + text, true
	case KindToDo:
		mark := " "
		if p.Checked {
			mark = "x"
		}
		return "- [" + mark + "] " + text, true
	case KindCode:
		return "```" + p.Language + "\n" + text + "\n```", true
	case KindQuote:
		return "> " + text, true
	}
	return "", false
}

// PageHash computes the content hash of a rendered page. Title and edit time
// are part of the hash so metadata-only edits are detected.
func PageHash(content, lastEdited, title string) string {
	return contenthash.StableHash(content, map[string]string{
		"last_edited_time": lastEdited,
		"title":            title,
	})
}
