package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "", FolderKey("/"))
	assert.Equal(t, "photos/2021/", FolderKey("/photos/2021"))
	assert.Equal(t, "photos/2021/", FolderKey("photos/2021/"))
	assert.Equal(t, "photos/cat.jpg", ObjectKey("/photos/cat.jpg"))

	assert.Equal(t, "/photos/2021", KeyPath("photos/2021/"))
	assert.Equal(t, "/", KeyPath(""))
	assert.Equal(t, "2021", KeyName("photos/2021/"))
	assert.Equal(t, "cat.jpg", KeyName("photos/cat.jpg"))
	assert.Equal(t, "", KeyName(""))

	assert.Equal(t, "photos/new/", ChildKey("photos/", "new", true))
	assert.Equal(t, "photos/a.txt", ChildKey("photos/", "a.txt", false))
	assert.True(t, IsFolderKey(""))
	assert.True(t, IsFolderKey("a/"))
	assert.False(t, IsFolderKey("a"))

	assert.Equal(t, "/photos", parentPath("/photos/cat.jpg"))
	assert.Equal(t, "/", parentPath("/photos"))
}

func TestTransfersCancel(t *testing.T) {
	var transfers Transfers
	ctx, done := transfers.Track(context.Background(), "t1")

	assert.NoError(t, transfers.Cancel("t1"))
	<-ctx.Done()
	assert.Equal(t, context.Canceled, ctx.Err())
	done()

	assert.NoError(t, transfers.Cancel("t1"), "finished transfers can be cancelled again")
	assert.NoError(t, transfers.Cancel("unknown"))
}

func TestCRCWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewCRCWriter(&buf)
	_, err := w.Write([]byte("hello "))
	assert.NoError(t, err)
	_, err = w.Write([]byte("world"))
	assert.NoError(t, err)

	assert.Equal(t, "hello world", buf.String())
	want := crc32.Checksum([]byte("hello world"), crc32.MakeTable(crc32.Castagnoli))
	assert.Equal(t, want, w.Sum())
}

func TestProgressWriter(t *testing.T) {
	var calls [][2]int64
	w := &progressWriter{total: 10, sink: func(n, total int64) {
		calls = append(calls, [2]int64{n, total})
	}}
	w.Write(make([]byte, 4))
	w.Write(make([]byte, 6))
	assert.Equal(t, [][2]int64{{4, 10}, {10, 10}}, calls)
}
