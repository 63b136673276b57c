package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=20", 20, 0},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit capped", "limit=100000", maxPageLimit, 0},
		{"negative limit uses default", "limit=-1", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
		{"negative offset uses zero", "offset=-5", defaultPageLimit, 0},
		{"garbage", "limit=abc&offset=xyz", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parsePage(httptest.NewRequest("GET", "/entries?"+tt.query, nil))
			assert.Equal(t, tt.wantLimit, p.limit, "limit")
			assert.Equal(t, tt.wantOffset, p.offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, meta := paginate(items, pageRequest{limit: 2, offset: 0})
	assert.Equal(t, []int{1, 2}, page)
	assert.Equal(t, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 0, HasMore: true}, meta)

	page, meta = paginate(items, pageRequest{limit: 2, offset: 4})
	assert.Equal(t, []int{5}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, pageRequest{limit: 2, offset: 9})
	require.NotNil(t, page)
	assert.Empty(t, page)
	assert.Equal(t, 9, meta.Offset)
	assert.False(t, meta.HasMore)

	page, _ = paginate([]int(nil), pageRequest{limit: 10})
	assert.NotNil(t, page)
}

func TestPaginateCopies(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, _ := paginate(items, pageRequest{limit: 2})
	page[0] = "z"
	assert.Equal(t, "a", items[0])
}
