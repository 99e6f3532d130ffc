package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vburojevic/traced/internal/domain"
)

// rotation opens one output file per clone taken by watch.
type rotation struct {
	pathBuilder    func(int, domain.SessionID) (string, error)
	outputFile     *os.File
	bufferedWriter *bufio.Writer
	count          int
}

func newRotation(pb func(int, domain.SessionID) (string, error)) *rotation {
	return &rotation{pathBuilder: pb}
}

// patternPath expands {n} and {session} in pattern. A pattern without {n}
// gets the clone number appended before the extension.
func patternPath(pattern string) func(int, domain.SessionID) (string, error) {
	return func(n int, session domain.SessionID) (string, error) {
		if pattern == "" {
			return "", fmt.Errorf("output pattern is empty")
		}
		p := pattern
		if !strings.Contains(p, "{n}") {
			dot := strings.LastIndex(p, ".")
			if dot <= strings.LastIndex(p, "/") {
				dot = len(p)
			}
			p = p[:dot] + "-{n}" + p[dot:]
		}
		p = strings.ReplaceAll(p, "{n}", strconv.Itoa(n))
		p = strings.ReplaceAll(p, "{session}", strconv.FormatUint(uint64(session), 10))
		return p, nil
	}
}

// Next closes the previous file and opens the next one.
func (r *rotation) Next(session domain.SessionID) (writer *bufio.Writer, path string, err error) {
	if r.pathBuilder == nil {
		return nil, "", fmt.Errorf("no output path configured")
	}
	if err := r.Close(); err != nil {
		return nil, "", err
	}

	r.count++
	path, err = r.pathBuilder(r.count, session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build path: %w", err)
	}

	r.outputFile, err = os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output file: %w", err)
	}
	r.bufferedWriter = bufio.NewWriter(r.outputFile)
	return r.bufferedWriter, path, nil
}

// Close flushes and closes the current file, if any.
func (r *rotation) Close() error {
	var err error
	if r.bufferedWriter != nil {
		err = r.bufferedWriter.Flush()
		r.bufferedWriter = nil
	}
	if r.outputFile != nil {
		if cerr := r.outputFile.Close(); err == nil {
			err = cerr
		}
		r.outputFile = nil
	}
	return err
}
