package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqCursorRoundTrip(t *testing.T) {
	token, err := EncodeSeqCursor(41)
	require.NoError(t, err)

	seq, err := DecodeSeqCursor(token)
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)

	seq, err = DecodeSeqCursor("")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)

	_, err = DecodeSeqCursor("not-a-token!")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []int64{1, 2, 3}
	page, info := BuildCursorPageInfo(rows, 2, func(v int64) string {
		token, _ := EncodeSeqCursor(v)
		return token
	})
	assert.Equal(t, []int64{1, 2}, page)
	assert.True(t, info.HasMore)

	seq, err := DecodeSeqCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	page, info = BuildCursorPageInfo(rows, 5, func(int64) string { return "x" })
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestNormalizePageSize(t *testing.T) {
	assert.Equal(t, int32(DefaultPageSize), NormalizePageSize(0))
	assert.Equal(t, int32(MaxPageSize), NormalizePageSize(10_000))
	assert.Equal(t, int32(7), NormalizePageSize(7))
}
