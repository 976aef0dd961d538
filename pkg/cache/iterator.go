package cache

import "context"

// pager yields entries one page at a time. done reports that no further
// pages remain; a final page may be returned together with done=true.
type pager interface {
	nextPage(ctx context.Context) (page []Entry, done bool, err error)
}

// Iterator walks the entries of one type lazily. It is finite: it ends once
// every generation snapshotted at creation has been read.
//
//	it := store.ReadAll(ctx, "aws", "Instance")
//	for it.Next(ctx) {
//		e := it.Entry()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	src  pager
	buf  []Entry
	cur  Entry
	done bool
	err  error
}

func newIterator(src pager) *Iterator {
	return &Iterator{src: src}
}

// errIterator returns an iterator that yields nothing and reports err.
func errIterator(err error) *Iterator {
	return &Iterator{done: true, err: err}
}

// Next advances to the next entry. It returns false when iteration is
// complete or an error occurred; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return false
		}
		page, done, err := it.src.nextPage(ctx)
		if err != nil {
			it.err = err
			return false
		}
		it.buf = page
		it.done = done
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Entry returns the current entry. Valid only after Next returned true.
func (it *Iterator) Entry() Entry {
	return it.cur
}

// Err returns the first error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains an iterator into a slice.
func Collect(ctx context.Context, it *Iterator) ([]Entry, error) {
	var out []Entry
	for it.Next(ctx) {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
