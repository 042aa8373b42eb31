package sandbox

import (
	"archive/tar"
	"bytes"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// tarFile packs a single file into a tar archive for CopyToContainer.
func tarFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// demuxStreams splits Docker's multiplexed exec stream into stdout/stderr.
func demuxStreams(stdout, stderr io.Writer, r io.Reader) (int64, error) {
	return stdcopy.StdCopy(stdout, stderr, r)
}
