package ready

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mkfifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ready.fifo")
	require.NoError(t, syscall.Mkfifo(path, 0o600))
	return path
}

func TestSignalReachesLateReader(t *testing.T) {
	path := mkfifo(t)

	got := make(chan string, 1)
	go func() {
		// the writer polls for us
		time.Sleep(200 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			got <- err.Error()
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		got <- string(b)
	}()

	require.NoError(t, Signal(context.Background(), zaptest.NewLogger(t).Sugar(), path, "", 5*time.Second))
	require.Equal(t, DefaultPayload, <-got)
}

func TestSignalTimesOutWithoutReader(t *testing.T) {
	path := mkfifo(t)
	err := Signal(context.Background(), nil, path, "x\n", 200*time.Millisecond)
	require.ErrorIs(t, err, ErrNoReader)
}

func TestSignalCanceled(t *testing.T) {
	path := mkfifo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Signal(ctx, nil, path, "", time.Minute), context.Canceled)
}

func TestSignalNoPath(t *testing.T) {
	require.NoError(t, Signal(context.Background(), nil, "", "", 0))
}

func TestSignalNotAFifo(t *testing.T) {
	err := Signal(context.Background(), nil, filepath.Join(t.TempDir(), "missing"), "", time.Second)
	require.ErrorIs(t, err, syscall.ENOENT)
}
