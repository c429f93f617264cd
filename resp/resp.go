/*
Package resp implements the length-prefixed wire framing spoken by the
remote coordination store. It is a pure codec: no sockets, no state.
Commands encode as arrays of bulk strings; replies decode into a closed
tagged union (Reply) that callers switch on by Kind.
*/
package resp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrIncomplete signals that the buffer does not yet contain one whole
// reply. The caller must keep its unconsumed bytes and retry after the
// next read; nothing has been consumed.
var ErrIncomplete = errors.New("resp: incomplete frame")

type Kind int

const (
	KindStatus Kind = iota // simple string, e.g. +OK
	KindError              // in-band error, e.g. -ERR unknown command
	KindInteger
	KindBulk
	KindNull // null bulk ($-1) and null array (*-1) both land here
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	}
	return "unknown"
}

// Reply is one decoded frame. Exactly one of the value fields is
// meaningful for a given Kind: Str for status/error/bulk, Int for
// integer, Array for array. Null carries nothing.
type Reply struct {
	Kind  Kind
	Str   string
	Int   int64
	Array []Reply
}

func Status(s string) Reply { return Reply{Kind: KindStatus, Str: s} }
func Error(msg string) Reply { return Reply{Kind: KindError, Str: msg} }
func Integer(n int64) Reply { return Reply{Kind: KindInteger, Int: n} }
func Bulk(s string) Reply { return Reply{Kind: KindBulk, Str: s} }
func Null() Reply { return Reply{Kind: KindNull} }
func Array(es ...Reply) Reply { return Reply{Kind: KindArray, Array: es} }

// IsNull reports whether the reply is the distinguished null value.
func (r Reply) IsNull() bool { return r.Kind == KindNull }

// Text returns the string payload for status, error, and bulk replies,
// and a decimal rendering for integers. Null and arrays return "".
func (r Reply) Text() string {
	switch r.Kind {
	case KindStatus, KindError, KindBulk:
		return r.Str
	case KindInteger:
		return strconv.FormatInt(r.Int, 10)
	}
	return ""
}

// AsInt returns the reply as an int64. Integers return their value;
// bulk and status strings are parsed. Anything else is an error.
func (r Reply) AsInt() (int64, error) {
	switch r.Kind {
	case KindInteger:
		return r.Int, nil
	case KindBulk, KindStatus:
		n, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("resp: reply %q is not an integer: %w", r.Str, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("resp: %s reply is not an integer", r.Kind)
}

// EncodeCommand frames a command and its arguments as an array of bulk
// strings. Every argument carries an explicit byte length, so there is
// no escaping ambiguity regardless of payload content.
func EncodeCommand(name string, args ...string) []byte {
	var b bytes.Buffer
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args) + 1))
	b.WriteString("\r\n")
	writeBulk(&b, name)
	for _, a := range args {
		writeBulk(&b, a)
	}
	return b.Bytes()
}

func writeBulk(b *bytes.Buffer, s string) {
	b.WriteByte('$')
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteString("\r\n")
	b.WriteString(s)
	b.WriteString("\r\n")
}

// EncodeReply frames a Reply the way the store would emit it. The
// in-process test server uses this, and it closes the encode/decode
// round trip for every reply kind.
func EncodeReply(r Reply) []byte {
	var b bytes.Buffer
	encodeReplyTo(&b, r)
	return b.Bytes()
}

func encodeReplyTo(b *bytes.Buffer, r Reply) {
	switch r.Kind {
	case KindStatus:
		b.WriteByte('+')
		b.WriteString(r.Str)
		b.WriteString("\r\n")
	case KindError:
		b.WriteByte('-')
		b.WriteString(r.Str)
		b.WriteString("\r\n")
	case KindInteger:
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(r.Int, 10))
		b.WriteString("\r\n")
	case KindBulk:
		writeBulk(b, r.Str)
	case KindNull:
		b.WriteString("$-1\r\n")
	case KindArray:
		b.WriteByte('*')
		b.WriteString(strconv.Itoa(len(r.Array)))
		b.WriteString("\r\n")
		for _, e := range r.Array {
			encodeReplyTo(b, e)
		}
	}
}

// Decode parses exactly one top-level reply from the front of buf and
// returns it with the number of bytes consumed. When buf holds less
// than one whole frame it returns ErrIncomplete and consumes nothing.
//
// An unrecognized leading type marker does not poison the connection:
// the offending line is consumed and surfaced as an in-band KindError
// reply, so the caller's read loop stays usable.
func Decode(buf []byte) (Reply, int, error) {
	if len(buf) == 0 {
		return Reply{}, 0, ErrIncomplete
	}
	switch buf[0] {
	case '+', '-', ':':
		line, n, ok := readLine(buf[1:])
		if !ok {
			return Reply{}, 0, ErrIncomplete
		}
		consumed := 1 + n
		switch buf[0] {
		case '+':
			return Reply{Kind: KindStatus, Str: string(line)}, consumed, nil
		case '-':
			return Reply{Kind: KindError, Str: string(line)}, consumed, nil
		default:
			v, err := strconv.ParseInt(string(line), 10, 64)
			if err != nil {
				return Reply{Kind: KindError, Str: "PROTO malformed integer reply"}, consumed, nil
			}
			return Reply{Kind: KindInteger, Int: v}, consumed, nil
		}
	case '$':
		line, n, ok := readLine(buf[1:])
		if !ok {
			return Reply{}, 0, ErrIncomplete
		}
		header := 1 + n
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return Reply{Kind: KindError, Str: "PROTO malformed bulk length"}, header, nil
		}
		if size < 0 {
			return Reply{Kind: KindNull}, header, nil
		}
		// payload plus trailing CRLF
		if len(buf) < header+size+2 {
			return Reply{}, 0, ErrIncomplete
		}
		payload := buf[header : header+size]
		return Reply{Kind: KindBulk, Str: string(payload)}, header + size + 2, nil
	case '*':
		line, n, ok := readLine(buf[1:])
		if !ok {
			return Reply{}, 0, ErrIncomplete
		}
		header := 1 + n
		count, err := strconv.Atoi(string(line))
		if err != nil {
			return Reply{Kind: KindError, Str: "PROTO malformed array length"}, header, nil
		}
		if count < 0 {
			return Reply{Kind: KindNull}, header, nil
		}
		elems := make([]Reply, 0, count)
		offset := header
		for i := 0; i < count; i++ {
			elem, n, err := Decode(buf[offset:])
			if err != nil {
				// Only ErrIncomplete propagates out of Decode; the
				// whole array waits for the missing element.
				return Reply{}, 0, err
			}
			elems = append(elems, elem)
			offset += n
		}
		return Reply{Kind: KindArray, Array: elems}, offset, nil
	default:
		line, n, ok := readLine(buf[1:])
		if !ok {
			return Reply{}, 0, ErrIncomplete
		}
		msg := fmt.Sprintf("PROTO unrecognized type marker %q in %q", buf[0], string(line))
		return Reply{Kind: KindError, Str: msg}, 1 + n, nil
	}
}

// readLine scans data for a CRLF-terminated line, returning the line
// without its terminator and the byte count including it.
func readLine(data []byte) (line []byte, n int, ok bool) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return nil, 0, false
	}
	return data[:idx], idx + 2, true
}
