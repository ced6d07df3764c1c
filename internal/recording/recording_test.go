package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asrhub/asrhub/internal/clock"
)

func silentPCM(n int) []byte {
	return make([]byte, n*2)
}

func TestWriteAndCloseProducesWAVFile(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("s1", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1}, c)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), silentPCM(100)))
	require.NoError(t, sink.Close(context.Background()))

	paths := sink.Paths()
	require.Len(t, paths, 1)
	info, err := os.Stat(paths[0])
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestRotatesOnSizeLimit(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("s1", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1, MaxFileBytes: 50}, c)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), silentPCM(20)))
	require.NoError(t, sink.Write(context.Background(), silentPCM(20)))
	require.NoError(t, sink.Close(context.Background()))

	require.GreaterOrEqual(t, len(sink.Paths()), 2)
}

func TestRotatesOnTimeLimit(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("s1", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1, MaxFileDuration: 10 * time.Millisecond}, c)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), silentPCM(10)))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sink.Write(context.Background(), silentPCM(10)))
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, 2, len(sink.Paths()))
}

func TestMarkersAreRecorded(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("s1", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1}, c)
	require.NoError(t, err)
	defer sink.Close(context.Background())

	sink.AddMarker(1.5, "wake_word", "hey-hub")
	markers := sink.Markers()
	require.Len(t, markers, 1)
	require.Equal(t, "wake_word", markers[0].Type)
}

func TestWriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("s1", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1}, c)
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	err = sink.Write(context.Background(), silentPCM(5))
	require.Error(t, err)
}

func TestSegmentFilesAreNamedSequentially(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewSystem()
	sink, err := Open("mysession", Config{Dir: dir, SampleRate: 16000, BitDepth: 16, Channels: 1}, c)
	require.NoError(t, err)
	defer sink.Close(context.Background())

	require.Equal(t, filepath.Join(dir, "mysession", "segment-000.wav"), sink.Paths()[0])
}
