package store

import (
	"io"
	"os"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/perr"
)

// Stream names accepted by LogsRead.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ReadLogChunk reads up to maxBytes starting at offset from a job's log
// file. Appends are made only by the executor that spawned the job; reads
// here only ever observe committed bytes, which is safe under POSIX append
// semantics.
func (s *Store) ReadLogChunk(id ids.JobId, stream string, offset uint64, maxBytes uint32) ([]byte, uint64, error) {
	stdout, stderr, ok := s.LogPaths(id)
	if !ok {
		return nil, 0, perr.New(perr.NotFound, "job %s not found", id)
	}
	path := stdout
	if stream == StreamStderr {
		path = stderr
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, offset, perr.Wrap(perr.Internal, err, "open log file")
	}
	defer f.Close()

	if maxBytes == 0 {
		maxBytes = 1 << 20
	}
	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF && n == 0 {
		return nil, offset, perr.Wrap(perr.Internal, err, "read log file")
	}
	return buf[:n], offset + uint64(n), nil
}

// LogSize returns the current committed size of a job's log stream.
func (s *Store) LogSize(id ids.JobId, stream string) (uint64, error) {
	stdout, stderr, ok := s.LogPaths(id)
	if !ok {
		return 0, perr.New(perr.NotFound, "job %s not found", id)
	}
	path := stdout
	if stream == StreamStderr {
		path = stderr
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, perr.Wrap(perr.Internal, err, "stat log file")
	}
	return uint64(fi.Size()), nil
}
