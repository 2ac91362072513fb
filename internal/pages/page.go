package pages

// Content selects which page representations a consumer needs.
type Content uint8

const (
	ContentImage Content = 1 << iota
	ContentText
)

func (c Content) Has(o Content) bool { return c&o != 0 }

func (c Content) String() string {
	switch c {
	case ContentImage:
		return "image"
	case ContentText:
		return "text"
	case ContentImage | ContentText:
		return "image+text"
	default:
		return "none"
	}
}

// Page is one rendered unit of a document, addressed by its absolute 1-based number.
type Page struct {
	Number    int
	Image     []byte // JPEG bytes, empty when not rendered
	ImageMIME string
	Text      string
}

// Batch is a contiguous run of pages submitted to a classifier together.
type Batch struct {
	Start int
	Pages []Page
}

// Len returns the number of pages in the batch.
func (b Batch) Len() int { return len(b.Pages) }

// End returns the last page number in the batch, or Start-1 for an empty batch.
func (b Batch) End() int { return b.Start + len(b.Pages) - 1 }

// Contains reports whether page n falls inside the batch range.
func (b Batch) Contains(n int) bool { return n >= b.Start && n <= b.End() }

// Numbers lists the page numbers carried by the batch.
func (b Batch) Numbers() []int {
	out := make([]int, len(b.Pages))
	for i, p := range b.Pages {
		out[i] = p.Number
	}
	return out
}
