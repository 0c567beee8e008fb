package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(t *testing.T, p *Pebble) (frames [][]byte, logged int) {
	logged, err := p.Load(func(frame []byte) error {
		frames = append(frames, frame)
		return nil
	})
	assert.NoError(t, err)
	return
}

func TestPebbleAppendLoad(t *testing.T) {
	p, err := OpenPebble(t.TempDir())
	assert.NoError(t, err)
	defer p.Close()

	assert.NoError(t, p.Append([]byte("one")))
	assert.NoError(t, p.Append([]byte("two")))
	assert.NoError(t, p.Append([]byte("three")))

	frames, logged := collect(t, p)
	assert.Equal(t, 3, logged)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, frames)
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPebble(dir)
	assert.NoError(t, err)
	assert.NoError(t, p.Append([]byte("one")))
	assert.NoError(t, p.Close())

	// the sequence counter picks up where it left off
	p, err = OpenPebble(dir)
	assert.NoError(t, err)
	defer p.Close()
	assert.NoError(t, p.Append([]byte("two")))

	frames, logged := collect(t, p)
	assert.Equal(t, 2, logged)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, frames)
}

func TestPebbleCompact(t *testing.T) {
	p, err := OpenPebble(t.TempDir())
	assert.NoError(t, err)
	defer p.Close()

	for i := 0; i < 10; i++ {
		assert.NoError(t, p.Append([]byte{byte(i)}))
	}
	assert.False(t, p.NeedsCompaction(10))
	assert.True(t, p.NeedsCompaction(compactAfter+1))

	assert.NoError(t, p.Compact([]byte("snapshot")))
	frames, logged := collect(t, p)
	assert.Equal(t, 0, logged)
	assert.Equal(t, [][]byte{[]byte("snapshot")}, frames)

	// the log restarts after compaction
	assert.NoError(t, p.Append([]byte("later")))
	frames, logged = collect(t, p)
	assert.Equal(t, 1, logged)
	assert.Equal(t, [][]byte{[]byte("snapshot"), []byte("later")}, frames)
}
