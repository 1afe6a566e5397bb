package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// The wire format is one JSON object per line. A single unescaped
// line feed terminates a record; JSON string escaping guarantees the
// encoder never emits a raw 0x0A inside a record.

// ProtocolError marks a malformed record. It is non-fatal: the decoder
// has already consumed the record up to its delimiter and the next
// call to Next resumes on a clean buffer.
type ProtocolError struct {
	Line []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Frame is one decoded record: its dispatch type and the raw JSON to
// unmarshal into the matching message struct.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return &ProtocolError{Line: f.Raw, Err: err}
	}
	return nil
}

type Decoder struct {
	r *bufio.Reader

	// partial holds an incomplete record across calls, so a read
	// timeout in the middle of a record does not corrupt the stream.
	partial []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next reads frames as bytes arrive, buffering partial input across
// calls. Transport errors (EOF, reset, timeout) are returned as-is and
// are restartable unless the connection is gone; a record that is not
// a JSON object with a type field is returned as a *ProtocolError
// without corrupting decoding of later records.
func (d *Decoder) Next() (*Frame, error) {
	for {
		chunk, err := d.r.ReadBytes('\n')
		d.partial = append(d.partial, chunk...)
		if err != nil {
			return nil, err
		}

		line := bytes.TrimRight(d.partial, "\r\n")
		d.partial = nil
		if len(line) == 0 {
			// Blank keepalive lines are not records.
			continue
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			return nil, &ProtocolError{Line: line, Err: err}
		}
		if head.Type == "" {
			return nil, &ProtocolError{Line: line, Err: fmt.Errorf("missing type field")}
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return &Frame{Type: head.Type, Raw: raw}, nil
	}
}

type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as one self-delimited record. Delimiter bytes inside
// string values are escaped by the JSON encoding itself.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		// json.Marshal never produces this; reject rather than split
		// the stream into two bogus records.
		return &ProtocolError{Line: data, Err: fmt.Errorf("encoded payload contains raw delimiter")}
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}
