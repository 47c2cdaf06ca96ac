package batch

import (
	"context"
	"errors"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// PageFunc fetches and parses one page, returning its content and the
// total number of pages the site reports.
type PageFunc[T any] func(ctx context.Context, page int) (T, int, error)

// PagesIterator walks the pages of a paginated job in ascending order.
// It is lazy and cannot be restarted. The cursor is advanced after each
// successful page and persisted through checkpoint right before the next
// page is requested, once the caller is done with the previous one.
type PagesIterator[T any] struct {
	cursor     *domain.PageCursor
	fetch      PageFunc[T]
	checkpoint func(context.Context) error
	jobID      int64

	value   T
	pending bool
	done    bool
	err     error
}

// NewPagesIterator iterates from cursor.NextPage. checkpoint may be nil.
func NewPagesIterator[T any](cursor *domain.PageCursor, fetch PageFunc[T], checkpoint func(context.Context) error) *PagesIterator[T] {
	if cursor.NextPage <= 0 {
		cursor.NextPage = 1
	}
	return &PagesIterator[T]{cursor: cursor, fetch: fetch, checkpoint: checkpoint}
}

// IteratePages iterates over the pages of the executing job, resuming
// from the cursor a previous attempt left in its parameters.
func IteratePages[T any](x *Execution, fetch PageFunc[T]) *PagesIterator[T] {
	it := NewPagesIterator(x.Job.Params.EnsureCursor(), fetch, x.Checkpoint)
	it.jobID = x.Job.ID
	return it
}

// Next fetches the next page. It returns false at the end of the pages or
// on the first error; a failed page is not retried here.
func (it *PagesIterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if it.pending {
		it.pending = false
		if it.checkpoint != nil {
			if err := it.checkpoint(ctx); err != nil {
				return it.stop(err)
			}
		}
	}
	if it.cursor.Done() {
		it.done = true
		return false
	}

	page := it.cursor.NextPage
	value, total, err := it.fetch(ctx, page)
	if err != nil {
		return it.stop(err)
	}

	it.value = value
	it.cursor.TotalPage = total
	it.cursor.NextPage = page + 1
	it.pending = true
	return true
}

func (it *PagesIterator[T]) stop(err error) bool {
	var je *domain.JobError
	if domain.IsContained(err) && !errors.As(err, &je) && !domain.IsCanceled(err) {
		err = &domain.JobError{JobID: it.jobID, Kind: domain.Failed, Err: err}
	}
	it.err = err
	it.done = true
	return false
}

// Value returns the content of the current page
func (it *PagesIterator[T]) Value() T {
	return it.value
}

// Page returns the number of the current page
func (it *PagesIterator[T]) Page() int {
	return it.cursor.NextPage - 1
}

// Err returns the error that ended the iteration, if any
func (it *PagesIterator[T]) Err() error {
	return it.err
}
