package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct {
	ID string
	At time.Time
}

func TestPageTrimsAndEncodesLastRow(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rows := []*row{{ID: "3", At: base.Add(2 * time.Hour)}, {ID: "2", At: base.Add(time.Hour)}, {ID: "1", At: base}}
	cursorOf := func(r *row) Cursor { return Cursor{ID: r.ID, At: r.At} }

	page, info := Page(rows, 2, cursorOf)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	cursor, err := Pagination{PageToken: info.NextPageToken}.Cursor()
	require.NoError(t, err)
	require.Equal(t, "2", cursor.ID)
	require.True(t, cursor.At.Equal(base.Add(time.Hour)))

	page, info = Page(rows, 5, cursorOf)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextPageToken)
}

func TestCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	require.ErrorIs(t, err, ErrInvalidPageToken)

	// valid base64 JSON without the required fields
	_, err = DecodeCursor("e30")
	require.ErrorIs(t, err, ErrInvalidPageToken)

	cursor, err := Pagination{PageToken: "  "}.Cursor()
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func TestSizeClamps(t *testing.T) {
	require.Equal(t, DefaultPageSize, Pagination{}.Size())
	require.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Size())
	require.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
