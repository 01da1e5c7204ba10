// Package memimpl is an in-process reference implementation of
// pageheap.Allocator, used by tests and the loopback demo in place of a
// real platform page allocator.
package memimpl

import "github.com/brodyxchen/netfront/pageheap"

// Allocator hands out freshly zeroed byte slices sized to pageheap.PageSize.
// It does not track or recycle pages; callers own what they get.
type Allocator struct{}

// New returns a fresh Allocator.
func New() *Allocator { return &Allocator{} }

func (a *Allocator) Get() (pageheap.Page, error) {
	return pageheap.NewPage(make([]byte, pageheap.PageSize)), nil
}

func (a *Allocator) Pages(n int) ([]pageheap.Page, error) {
	pages := make([]pageheap.Page, n)
	for i := range pages {
		pages[i] = pageheap.NewPage(make([]byte, pageheap.PageSize))
	}
	return pages, nil
}

func (a *Allocator) ToBytes(page pageheap.Page) []byte {
	return page.Full()
}
