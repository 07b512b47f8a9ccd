package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-ocr/internal/domain"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"no pages", 0, 50, nil},
		{"single short chunk", 3, 50, []int{3}},
		{"exact fit", 100, 50, []int{50, 50}},
		{"120 pages by 50", 120, 50, []int{50, 50, 20}},
		{"one page per chunk", 4, 1, []int{1, 1, 1, 1}},
		{"51 pages", 51, 50, []int{50, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Plan(tt.n, tt.size)
			require.NoError(t, err)
			require.Len(t, chunks, Count(tt.n, tt.size))

			var sizes []int
			next := 0
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, next, c.Start, "chunks must be contiguous")
				next = c.End
				sizes = append(sizes, c.Len())
			}
			assert.Equal(t, tt.n, next, "chunks must cover every page")
			assert.Equal(t, tt.sizes, sizes)
		})
	}
}

func TestPlan_Invalid(t *testing.T) {
	_, err := Plan(10, 0)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))

	_, err = Plan(-1, 5)
	require.Error(t, err)
}

func TestPlan_ConcatenationReproducesSequence(t *testing.T) {
	for n := 0; n <= 37; n++ {
		for size := 1; size <= 12; size++ {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}

			parts, err := Split(items, size)
			require.NoError(t, err)
			require.Len(t, parts, Count(n, size))

			var joined []int
			for i, p := range parts {
				if i < len(parts)-1 {
					require.Len(t, p, size)
				}
				joined = append(joined, p...)
			}
			if n == 0 {
				assert.Empty(t, joined)
				continue
			}
			assert.Equal(t, items, joined, "n=%d size=%d", n, size)
		}
	}
}

func TestSplit_AppendDoesNotClobber(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	parts, err := Split(items, 2)
	require.NoError(t, err)

	_ = append(parts[0], "x")
	assert.Equal(t, "c", items[2])
}
