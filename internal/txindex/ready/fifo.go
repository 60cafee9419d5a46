// Package ready tells a supervising process that the service has resolved
// its start height and is serving. The signal is a line written to a named
// FIFO the supervisor holds open for reading.
package ready

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 8 * time.Second
	DefaultPayload = "READY\n"

	pollEvery = 80 * time.Millisecond
)

var ErrNoReader = errors.New("ready: no fifo reader")

// Signal writes payload to the FIFO at path. The FIFO is opened with
// O_NONBLOCK so a missing reader (ENXIO) never blocks; it is retried until
// ctx is done or timeout passes. An empty path is a no-op.
func Signal(ctx context.Context, log *zap.SugaredLogger, path, payload string, timeout time.Duration) error {
	if path == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if payload == "" {
		payload = DefaultPayload
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollEvery)
	defer tick.Stop()

	for {
		fd, err := syscall.Open(path, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			f := os.NewFile(uintptr(fd), path)
			_, werr := f.WriteString(payload)
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				return fmt.Errorf("write fifo %s: %w", path, err)
			}
			log.Infow("ready signalled", "path", path)
			return nil
		}

		// 读端还没打开
		if !errors.Is(err, syscall.ENXIO) {
			return fmt.Errorf("open fifo %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Warnw("timeout waiting for fifo reader", "path", path, "timeout", timeout)
			return fmt.Errorf("%w: %s after %s", ErrNoReader, path, timeout)
		case <-tick.C:
		}
	}
}
