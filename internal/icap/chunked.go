package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readChunks copies chunked payload into w up to the terminating zero chunk and reports
// whether that chunk carried the ieof extension.
func readChunks(br *bufio.Reader, w io.Writer) (bool, error) {
	for {
		line, err := readLine(br)
		if err != nil {
			return false, err
		}

		if line == "" {
			continue
		}

		sizeStr, ext, _ := strings.Cut(line, ";")

		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return false, &ParseError{What: "malformed chunk size", Value: line}
		}

		if size == 0 {
			for {
				trailer, terr := readLine(br)
				if terr != nil {
					return false, terr
				}

				if trailer == "" {
					break
				}
			}

			return strings.TrimSpace(ext) == "ieof", nil
		}

		if _, err = io.CopyN(w, br, size); err != nil {
			return false, truncated(err)
		}

		end, err := readLine(br)
		if err != nil {
			return false, err
		}

		if end != "" {
			return false, &ParseError{What: "missing chunk terminator", Value: end}
		}
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return "", truncated(err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// writeChunked frames body as one chunk followed by the zero chunk. An empty body
// writes nothing: it is announced as null-body instead.
func writeChunked(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(w, "%x\r\n", len(body)); err != nil {
		return err
	}

	if _, err := w.Write(body); err != nil {
		return err
	}

	_, err := io.WriteString(w, "\r\n0\r\n\r\n")

	return err
}
