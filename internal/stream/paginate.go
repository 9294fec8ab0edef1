package stream

import (
	"context"

	"github.com/wesm/github-review-mirror/internal/errs"
)

// Page is one response of a cursor-paginated API.
type Page[T any] struct {
	Items       []T
	Cursor      string
	HasNextPage bool
}

// PageFetcher fetches the page that starts after cursor. The first call
// receives an empty cursor.
type PageFetcher[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Paginate walks a cursor-paginated source, requesting a page only when the
// previous one has been consumed. A page that claims a successor without a
// cursor to reach it fails the walk with MalformedRemoteData.
func Paginate[T any](fetch PageFetcher[T]) Iterator[T] {
	var (
		buf     []T
		cursor  string
		started bool
		done    bool
	)
	return Func[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		for len(buf) == 0 {
			if done {
				return zero, false, nil
			}
			if started && cursor == "" {
				return zero, false, errs.Malformed("", "endCursor", "page has a next page but no cursor")
			}
			page, err := fetch(ctx, cursor)
			if err != nil {
				return zero, false, err
			}
			started = true
			buf = page.Items
			cursor = page.Cursor
			done = !page.HasNextPage
		}
		item := buf[0]
		buf = buf[1:]
		return item, true, nil
	})
}
