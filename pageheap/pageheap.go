// Package pageheap declares the page allocator contract. The allocator
// itself is an external collaborator per spec.md §1/§6 — this package only
// defines the interface and the Page view type; a reference implementation
// lives in pageheap/memimpl for tests and the loopback demo.
package pageheap

// PageSize is the platform page size assumed by the reference allocator.
const PageSize = 4096

// Page is a page-sized buffer together with a byte offset and logical
// length describing the frame currently held in it.
type Page struct {
	buf    []byte
	offset int
	length int
}

// NewPage wraps an existing buffer as a Page with a zero-length view at
// offset 0. Allocators use this to hand out freshly allocated buffers.
func NewPage(buf []byte) Page {
	return Page{buf: buf}
}

// WithView returns a copy of p whose offset/length describe the given byte
// range, used after a transfer lands data at a known offset and length.
func (p Page) WithView(offset, length int) Page {
	p.offset = offset
	p.length = length
	return p
}

// Offset is the byte offset of the current view within the underlying page.
func (p Page) Offset() int { return p.offset }

// Length is the byte length of the current view.
func (p Page) Length() int { return p.length }

// Cap is the total size of the underlying buffer, regardless of view.
func (p Page) Cap() int { return len(p.buf) }

// Bytes returns the buffer slice covered by the current view.
func (p Page) Bytes() []byte {
	return p.buf[p.offset : p.offset+p.length]
}

// Full returns the entire underlying buffer, ignoring the view — used when
// a caller needs to write into the page before a view is established.
func (p Page) Full() []byte { return p.buf }

// Allocator is the page allocator contract (spec.md §6): get a single
// aligned page, get n of them at once, or view an existing page as a plain
// byte buffer.
type Allocator interface {
	// Get returns one freshly allocated, zero-length page.
	Get() (Page, error)
	// Pages returns n freshly allocated pages.
	Pages(n int) ([]Page, error)
	// ToBytes returns the full underlying buffer for page, ignoring its
	// current view — used by callers that need to write before a length is
	// known.
	ToBytes(page Page) []byte
}
