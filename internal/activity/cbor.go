package activity

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("activity: CBOR encoder initialization failed: " + err.Error())
	}
}

// Record is the telemetry form of a Message, one CBOR map per message.
type Record struct {
	Action string    `cbor:"action"`
	ID     uint64    `cbor:"id,omitempty"`
	Level  Verbosity `cbor:"level,omitempty"`
	Type   uint64    `cbor:"type,omitempty"`
	Text   string    `cbor:"text,omitempty"`
	Fields []Field   `cbor:"fields,omitempty"`
	Parent uint64    `cbor:"parent,omitempty"`
}

// ToRecord converts a message to its telemetry form.
func ToRecord(msg Message) (Record, error) {
	switch m := msg.(type) {
	case *Text:
		return Record{Action: "msg", Level: m.Level, Text: m.Text}, nil
	case *Start:
		return Record{Action: "start", ID: m.ID, Level: m.Level, Type: uint64(m.Type), Text: m.Text, Fields: m.Fields, Parent: m.Parent}, nil
	case *Stop:
		return Record{Action: "stop", ID: m.ID}, nil
	case *Result:
		return Record{Action: "result", ID: m.ID, Type: uint64(m.Type), Fields: m.Fields}, nil
	}
	return Record{}, fmt.Errorf("activity: unknown message %T", msg)
}

// FromRecord is the inverse of ToRecord.
func FromRecord(rec Record) (Message, error) {
	switch rec.Action {
	case "msg":
		return &Text{Level: rec.Level, Text: rec.Text}, nil
	case "start":
		return &Start{ID: rec.ID, Level: rec.Level, Type: ActivityType(rec.Type), Text: rec.Text, Fields: rec.Fields, Parent: rec.Parent}, nil
	case "stop":
		return &Stop{ID: rec.ID}, nil
	case "result":
		return &Result{ID: rec.ID, Type: ResultType(rec.Type), Fields: rec.Fields}, nil
	}
	return nil, fmt.Errorf("activity: unknown record action %q", rec.Action)
}

// CBORSink streams messages as a CBOR sequence, e.g. to a telemetry file.
type CBORSink struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func NewCBORSink(w io.Writer) *CBORSink {
	return &CBORSink{enc: encMode.NewEncoder(w)}
}

func (s *CBORSink) Log(msg Message) error {
	rec, err := ToRecord(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

// ReadCBOR decodes a CBOR sequence written by CBORSink.
func ReadCBOR(r io.Reader) ([]Message, error) {
	dec := cbor.NewDecoder(r)
	var out []Message
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		msg, err := FromRecord(rec)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}
