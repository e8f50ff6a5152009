package supervisor

import (
	"bytes"
	"io"
	"os"
)

// DefaultLogLines is the tail length used when a caller asks for zero lines.
const DefaultLogLines = 50

const (
	msgNoLogsYet   = "No logs yet"
	msgNoLogsFound = "No logs found"
	msgNoLogFile   = "No log file found"
	msgReadError   = "Error reading logs: "
)

const tailChunk = 8 << 10

// tailLines returns the last n lines of the file at path, reading backwards
// from the end so large logs are not loaded whole.
func tailLines(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	var buf []byte
	offset := info.Size()
	for offset > 0 {
		size := int64(tailChunk)
		if size > offset {
			size = offset
		}
		offset -= size

		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return "", err
		}
		buf = append(chunk, buf...)

		if bytes.Count(trimFinalNewline(buf), []byte{'\n'}) >= n {
			break
		}
	}
	return string(lastLines(buf, n)), nil
}

func trimFinalNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return b[:len(b)-1]
	}
	return b
}

// lastLines keeps the final n newline-terminated lines of b. A trailing
// newline belongs to the last line.
func lastLines(b []byte, n int) []byte {
	body := trimFinalNewline(b)
	seen := 0
	for i := len(body) - 1; i >= 0; i-- {
		if body[i] != '\n' {
			continue
		}
		seen++
		if seen == n {
			return b[i+1:]
		}
	}
	return b
}
