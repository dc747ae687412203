package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxMessageBytes bounds a single request body.
const maxMessageBytes = 4 << 20

// wireFormat is how a client frames messages on stdio. Replies use the
// format of the first request.
type wireFormat uint8

const (
	wireFramed wireFormat = iota
	wireJSONLine
)

func (f wireFormat) String() string {
	if f == wireJSONLine {
		return "jsonline"
	}
	return "framed"
}

// readMessage returns the next request body. A body that starts with '{' or
// '[' is newline-delimited JSON; anything else is a Content-Length header
// block. io.EOF is returned unwrapped when the stream ends between messages.
func readMessage(r *bufio.Reader) ([]byte, wireFormat, error) {
	if err := skipBlank(r); err != nil {
		return nil, wireFramed, err
	}
	lead, err := r.Peek(1)
	if err != nil {
		return nil, wireFramed, err
	}
	if lead[0] == '{' || lead[0] == '[' {
		payload, err := readJSONLine(r)
		return payload, wireJSONLine, err
	}
	payload, err := readFramed(r)
	return payload, wireFramed, err
}

func skipBlank(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return r.UnreadByte()
	}
}

// readJSONLine accumulates lines until they form one valid JSON value, so a
// pretty-printed request spanning several lines is accepted.
func readJSONLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		buf.Write(line)
		if body := bytes.TrimSpace(buf.Bytes()); json.Valid(body) {
			return body, nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if buf.Len() > maxMessageBytes {
			return nil, errors.New("json message exceeds limit")
		}
	}
}

func readFramed(r *bufio.Reader) ([]byte, error) {
	header, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "read message headers")
	}

	raw := header.Get("Content-Length")
	if raw == "" {
		return nil, errors.New("missing Content-Length header")
	}
	size, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || size < 0 {
		return nil, errors.Errorf("invalid Content-Length %q", raw)
	}
	if size > maxMessageBytes {
		return nil, errors.Errorf("message of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read message body")
	}
	return payload, nil
}

func writeMessage(w *bufio.Writer, format wireFormat, payload []byte) error {
	var err error
	switch format {
	case wireJSONLine:
		_, err = w.Write(payload)
		if err == nil {
			err = w.WriteByte('\n')
		}
	default:
		_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(payload), payload)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}
