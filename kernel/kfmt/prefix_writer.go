package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink sends the output
	// to the early print buffer, like Printf does.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
	)

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if w.bytesAfterPrefix == 0 && curIndex == startIndex {
			doWrite(w.Sink, w.Prefix)
		}

		if p[curIndex] != '\n' {
			continue
		}

		doWrite(w.Sink, p[startIndex:curIndex+1])
		written += curIndex + 1 - startIndex
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < len(p) {
		doWrite(w.Sink, p[startIndex:])
		written += len(p) - startIndex
		w.bytesAfterPrefix += len(p) - startIndex
	}

	return written, nil
}
