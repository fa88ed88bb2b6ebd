package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	return Config{
		Dir:                 dir,
		SegmentMaxSize:      1 << 20,
		GroupCommitInterval: 10 * time.Millisecond,
	}
}

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir), log.NewNopLogger())
	require.NoError(t, err)

	refs := make([]Ref, 0, 3)
	for _, payload := range []string{"one", "two", "three"} {
		ref, err := w.Append([]byte(payload), true)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	require.NoError(t, w.Close())

	// Sequences are contiguous and monotonic.
	assert.Equal(t, uint64(0), refs[0].Seq)
	assert.Equal(t, uint64(2), refs[2].Seq)

	var payloads []string
	var seqs []uint64
	err = Replay(dir, log.NewNopLogger(), func(_ int, seq uint64, payload []byte) error {
		payloads = append(payloads, string(payload))
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
	assert.Equal(t, []uint64{0, 1, 2}, seqs)
}

func TestReplayEmptyDir(t *testing.T) {
	require.NoError(t, Replay(filepath.Join(t.TempDir(), "missing"), log.NewNopLogger(), func(int, uint64, []byte) error {
		t.Fatal("no records expected")
		return nil
	}))
}

func TestGroupCommitAppend(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir), log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	done := make(chan struct{})
	go func() {
		_, err := w.Append([]byte("grouped"), false)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("group-commit append did not return within the commit interval")
	}
}

func TestReplayToleratesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir), log.NewNopLogger())
	require.NoError(t, err)
	_, err = w.Append([]byte("intact"), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash that left garbage at the end of the live segment.
	_, last, err := Segments(dir)
	require.NoError(t, err)
	f, err := os.OpenFile(filepath.Join(dir, segmentFileName(last)), os.O_WRONLY|os.O_APPEND, 0o666)
	require.NoError(t, err)
	_, err = f.Write([]byte("\x07garbage-not-a-record"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var payloads []string
	err = Replay(dir, log.NewNopLogger(), func(_ int, _ uint64, payload []byte) error {
		payloads = append(payloads, string(payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"intact"}, payloads)
}

func TestBumpSeqAfterReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir), log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	w.BumpSeq(41)
	ref, err := w.Append([]byte("next"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ref.Seq)
}

func TestPinReleaseTruncates(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir), log.NewNopLogger())
	require.NoError(t, err)
	defer w.Close()

	// Append pins the segment.
	ref, err := w.Append([]byte("payload"), true)
	require.NoError(t, err)

	// Cut the segment; the pinned predecessor survives truncation attempts.
	_, err = w.Rotate()
	require.NoError(t, err)
	w.Release(map[int]int{})
	first, _, err := Segments(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, first, ref.Segment)

	// Releasing the pin lets truncation drop it.
	w.Release(map[int]int{ref.Segment: 1})
	first, _, err = Segments(dir)
	require.NoError(t, err)
	assert.Greater(t, first, ref.Segment)
}

// segmentFileName mirrors the library's zero-padded segment naming.
func segmentFileName(index int) string {
	return fmt.Sprintf("%08d", index)
}
