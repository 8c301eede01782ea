package replication

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"

	"spaceship-netsync/entity"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
)

var ErrBadMessage = eris.New("malformed message")

// MessageType tags the body of an envelope.
type MessageType uint8

const (
	MsgBatch MessageType = iota + 1
	MsgInput
	MsgAck
	MsgWelcome
)

// FlagLZ4 marks an lz4-compressed body. Only batches are ever compressed.
const FlagLZ4 uint8 = 1

// DefaultMaxBodySize caps a decompressed body.
const DefaultMaxBodySize = 1 << 20

// Envelope is the wire frame of every replication message.
type Envelope struct {
	Type  MessageType `msgpack:"t"`
	Flags uint8       `msgpack:"f,omitempty"`
	Tick  tick.Tick   `msgpack:"k"`
	Body  []byte      `msgpack:"b"`
}

// InputFrame is one tick of client input for an entity. Payload is the
// simulation's own input encoding.
type InputFrame struct {
	Tick    tick.Tick `msgpack:"t"`
	Payload []byte    `msgpack:"p"`
}

// InputMessage carries the newest few input frames of one entity so a
// dropped message is covered by the next one.
type InputMessage struct {
	Entity entity.ID    `msgpack:"e"`
	Frames []InputFrame `msgpack:"f"`
}

// Ack confirms a batch was applied.
type Ack struct {
	Seq uint32 `msgpack:"s"`
}

// Welcome tells a newly connected client who it is and where the server
// clock stands.
type Welcome struct {
	Peer entity.PeerID `msgpack:"p"`
	Tick tick.Tick     `msgpack:"t"`
}

// Message is a decoded envelope. Exactly one body field is set.
type Message struct {
	Type    MessageType
	Tick    tick.Tick
	Batch   *Batch
	Input   *InputMessage
	Ack     *Ack
	Welcome *Welcome
}

// Codec encodes replication messages. Bodies at least CompressThreshold
// bytes long are lz4 compressed; zero disables compression. Decode refuses
// compressed bodies that expand past MaxBodySize (DefaultMaxBodySize when
// zero).
type Codec struct {
	CompressThreshold int
	MaxBodySize       int
}

func (c Codec) encode(t MessageType, at tick.Tick, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, eris.Wrapf(err, "encode message type %d", t)
	}
	env := Envelope{Type: t, Tick: at, Body: raw}
	if t == MsgBatch && c.CompressThreshold > 0 && len(raw) >= c.CompressThreshold {
		packed, err := compress(raw)
		if err != nil {
			return nil, err
		}
		if len(packed) < len(raw) {
			env.Body, env.Flags = packed, FlagLZ4
		}
	}
	out, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, eris.Wrap(err, "encode envelope")
	}
	return out, nil
}

// EncodeBatch encodes a replication batch.
func (c Codec) EncodeBatch(b Batch) ([]byte, error) {
	out, err := c.encode(MsgBatch, b.Tick, &b)
	if err == nil {
		telemetry.BatchBytes.Observe(float64(len(out)))
	}
	return out, err
}

// EncodeInput encodes client input.
func (c Codec) EncodeInput(at tick.Tick, m InputMessage) ([]byte, error) {
	return c.encode(MsgInput, at, &m)
}

// EncodeAck encodes a batch acknowledgement.
func (c Codec) EncodeAck(at tick.Tick, a Ack) ([]byte, error) {
	return c.encode(MsgAck, at, &a)
}

// EncodeWelcome encodes the connect greeting.
func (c Codec) EncodeWelcome(w Welcome) ([]byte, error) {
	return c.encode(MsgWelcome, w.Tick, &w)
}

// Decode parses any message.
func (c Codec) Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return Message{}, eris.Wrapf(ErrBadMessage, "envelope: %v", err)
	}
	body := env.Body
	if env.Flags&FlagLZ4 != 0 {
		if env.Type != MsgBatch {
			return Message{}, eris.Wrapf(ErrBadMessage, "compressed type %d", env.Type)
		}
		limit := c.MaxBodySize
		if limit <= 0 {
			limit = DefaultMaxBodySize
		}
		var err error
		if body, err = decompress(body, limit); err != nil {
			return Message{}, err
		}
	}

	m := Message{Type: env.Type, Tick: env.Tick}
	var err error
	switch env.Type {
	case MsgBatch:
		m.Batch = new(Batch)
		err = msgpack.Unmarshal(body, m.Batch)
	case MsgInput:
		m.Input = new(InputMessage)
		err = msgpack.Unmarshal(body, m.Input)
	case MsgAck:
		m.Ack = new(Ack)
		err = msgpack.Unmarshal(body, m.Ack)
	case MsgWelcome:
		m.Welcome = new(Welcome)
		err = msgpack.Unmarshal(body, m.Welcome)
	default:
		return Message{}, eris.Wrapf(ErrBadMessage, "type %d", env.Type)
	}
	if err != nil {
		return Message{}, eris.Wrapf(ErrBadMessage, "type %d body: %v", env.Type, err)
	}
	return m, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, eris.Wrap(err, "lz4 write")
	}
	if err := zw.Close(); err != nil {
		return nil, eris.Wrap(err, "lz4 close")
	}
	return buf.Bytes(), nil
}

func decompress(src []byte, limit int) ([]byte, error) {
	var buf bytes.Buffer
	zr := io.LimitReader(lz4.NewReader(bytes.NewReader(src)), int64(limit)+1)
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, eris.Wrapf(ErrBadMessage, "lz4: %v", err)
	}
	if buf.Len() > limit {
		return nil, eris.Wrapf(ErrBadMessage, "body expands past %d bytes", limit)
	}
	return buf.Bytes(), nil
}
