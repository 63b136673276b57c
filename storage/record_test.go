package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncodeDecodeRecord(t *testing.T) {
	rec, err := EncodeRecord(sample{Name: "range-1", Count: 3}, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Ver)
	assert.Equal(t, uint64(7), rec.Version)

	var got sample
	require.NoError(t, DecodeRecord(rec, &got))
	assert.Equal(t, sample{Name: "range-1", Count: 3}, got)
}

func TestDecodeRecordRejectsUnknownFormat(t *testing.T) {
	rec := &Record{Ver: 99, Data: []byte(`{}`)}
	var got sample
	require.Error(t, DecodeRecord(rec, &got))
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := &Record{Ver: 1, Data: []byte("abc"), Version: 2}
	cp := rec.Clone()
	cp.Data[0] = 'X'
	assert.Equal(t, byte('a'), rec.Data[0])
	assert.Nil(t, (*Record)(nil).Clone())
}
