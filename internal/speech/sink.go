package speech

import (
	"fmt"
	"os"
)

// FileSink writes playback chunks to a file or FIFO that an external
// player consumes. Opening a FIFO for writing blocks until a reader
// attaches, which is the behavior we want: audio should not be
// synthesized into the void.
type FileSink struct {
	f *os.File
}

// OpenFileSink opens (or creates) the playback target for writing.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open playback target %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *FileSink) Close() error { return s.f.Close() }
