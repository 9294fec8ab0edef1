package stream

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wesm/github-review-mirror/internal/errs"
)

func intLess(a, b int) bool { return a < b }

func TestMergeInterleavesOrderedInputs(t *testing.T) {
	ctx := context.Background()
	out, err := Collect(ctx, Merge(intLess,
		FromSlice([]int{0, 2, 4, 6}),
		FromSlice([]int{1, 3, 5}),
		FromSlice([]int{}),
	))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, out)
}

func TestMergeLengthAndOrder(t *testing.T) {
	ctx := context.Background()
	inputs := [][]int{
		{1, 1, 5, 9, 9, 12},
		{},
		{0, 3, 3, 3},
		{2},
		{-4, 7, 8, 100},
	}
	var its []Iterator[int]
	total := 0
	for _, in := range inputs {
		its = append(its, FromSlice(in))
		total += len(in)
	}

	out, err := Collect(ctx, Merge(intLess, its...))
	require.NoError(t, err)
	assert.Len(t, out, total)
	assert.IsNonDecreasing(t, out)
}

func TestMergeNoInputs(t *testing.T) {
	out, err := Collect(context.Background(), Merge(intLess))
	require.NoError(t, err)
	assert.Empty(t, out)
}

type tagged struct {
	key int
	src string
}

func TestMergeIsStableAcrossAndWithinInputs(t *testing.T) {
	less := func(a, b tagged) bool { return a.key < b.key }
	a := FromSlice([]tagged{{1, "a1"}, {1, "a2"}, {2, "a3"}})
	b := FromSlice([]tagged{{1, "b1"}, {2, "b2"}})

	out, err := Collect(context.Background(), Merge(less, a, b))
	require.NoError(t, err)

	var got []string
	for _, o := range out {
		got = append(got, o.src)
	}
	assert.Equal(t, []string{"a1", "a2", "b1", "a3", "b2"}, got)
}

func TestMergePropagatesSourceError(t *testing.T) {
	boom := errors.New("page 2 failed")
	calls := 0
	failing := Func[int](func(ctx context.Context) (int, bool, error) {
		calls++
		if calls == 1 {
			return 1, true, nil
		}
		return 0, false, boom
	})

	m := Merge(intLess, failing, FromSlice([]int{0, 5}))
	ctx := context.Background()

	v, ok, err := m.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, v)

	v, ok, err = m.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, _, err = m.Next(ctx)
	assert.ErrorIs(t, err, boom)
	_, _, err = m.Next(ctx)
	assert.ErrorIs(t, err, boom, "error must be sticky")
}

func TestMergeIsLazy(t *testing.T) {
	pulled := 0
	counting := func(items ...int) Iterator[int] {
		inner := FromSlice(items)
		return Func[int](func(ctx context.Context) (int, bool, error) {
			pulled++
			return inner.Next(ctx)
		})
	}

	m := Merge(intLess, counting(1, 2, 3), counting(4, 5, 6))
	assert.Equal(t, 0, pulled, "constructing the merge must not pull")

	v, ok, err := m.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, pulled, "only the two heads are pulled for the first element")
}

func TestPaginateFetchesOnDemand(t *testing.T) {
	pages := map[string]Page[string]{
		"":   {Items: []string{"a", "b"}, Cursor: "c1", HasNextPage: true},
		"c1": {Items: []string{}, Cursor: "c2", HasNextPage: true},
		"c2": {Items: []string{"c"}, Cursor: "c3", HasNextPage: false},
	}
	var requested []string
	it := Paginate(func(ctx context.Context, cursor string) (Page[string], error) {
		requested = append(requested, cursor)
		return pages[cursor], nil
	})
	ctx := context.Background()

	v, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, []string{""}, requested)

	rest, err := Collect(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, rest)
	assert.Equal(t, []string{"", "c1", "c2"}, requested)
}

func TestPaginateRejectsMissingCursor(t *testing.T) {
	calls := 0
	it := Paginate(func(ctx context.Context, cursor string) (Page[int], error) {
		calls++
		return Page[int]{Items: []int{1}, HasNextPage: true}, nil
	})
	ctx := context.Background()

	v, ok, err := it.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok, err = it.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrMalformedRemoteData)
	assert.Equal(t, 1, calls)
}

func TestLazyAndConcat(t *testing.T) {
	built := false
	lazy := Lazy(func(ctx context.Context) (Iterator[int], error) {
		built = true
		return FromSlice([]int{3, 4}), nil
	})
	it := Concat(FromSlice([]int{1, 2}), lazy)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := it.Next(ctx)
		require.NoError(t, err)
	}
	assert.False(t, built, "lazy tail must not be built before it is reached")

	rest, err := Collect(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, rest)
	assert.True(t, built)
}

func TestMapStopsOnError(t *testing.T) {
	it := Map(FromSlice([]string{"1", "x", "3"}), strconv.Atoi)
	out, err := Collect(context.Background(), it)
	assert.Error(t, err)
	assert.Equal(t, []int{1}, out)
}
