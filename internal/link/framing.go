package link

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Framing selects how message boundaries are carried on the wire.
type Framing string

const (
	// FramingRaw writes payloads as-is and delivers each read chunk as one
	// message. Consecutive sends may coalesce or split on the receiving side.
	FramingRaw Framing = "raw"
	// FramingLine terminates each payload with '\n' and delivers one message per line.
	FramingLine Framing = "line"
)

const maxLineSize = 64 * 1024

// ParseFraming validates a framing name. An empty name selects raw.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want raw or line)", s)
	}
}

type codec interface {
	encode(payload []byte) []byte
	// receive reads until r fails, calling deliver for each message.
	receive(r io.Reader, deliver func(string)) error
}

func newCodec(f Framing, readSize int) codec {
	if f == FramingLine {
		return lineCodec{readSize: readSize}
	}
	return rawCodec{readSize: readSize}
}

type rawCodec struct {
	readSize int
}

func (rawCodec) encode(payload []byte) []byte {
	return payload
}

func (c rawCodec) receive(r io.Reader, deliver func(string)) error {
	buf := make([]byte, c.readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			deliver(string(buf[:n]))
		}
		if err != nil {
			return err
		}
	}
}

type lineCodec struct {
	readSize int
}

func (lineCodec) encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, bytes.TrimRight(payload, "\n")...)
	return append(out, '\n')
}

func (c lineCodec) receive(r io.Reader, deliver func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, c.readSize), maxLineSize)
	for scanner.Scan() {
		deliver(strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
