package distributed

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-ddp/pbwire"
)

// Frames are a 4-byte big-endian length followed by a protobuf-encoded body.
const (
	frameHeaderSize = 4
	maxFrameSize    = 1 << 28
)

type opCode uint64

const (
	opHello opCode = iota + 1
	opReady
	opAllReduce
	opBroadcast
	opAllGather
	opBarrier
	opResult
	opFailure
)

func (o opCode) String() string {
	switch o {
	case opHello:
		return "hello"
	case opReady:
		return "ready"
	case opAllReduce:
		return "all_reduce"
	case opBroadcast:
		return "broadcast"
	case opAllGather:
		return "all_gather"
	case opBarrier:
		return "barrier"
	case opResult:
		return "result"
	case opFailure:
		return "failure"
	default:
		return fmt.Sprintf("op(%d)", uint64(o))
	}
}

type failureKind uint64

const (
	failureInit failureKind = iota + 1
	failureMismatch
	failureRemote
)

const (
	fieldSeq       protowire.Number = 1
	fieldOp        protowire.Number = 2
	fieldReduction protowire.Number = 3
	fieldRoot      protowire.Number = 4
	fieldRank      protowire.Number = 5
	fieldWorldSize protowire.Number = 6
	fieldPayload   protowire.Number = 7
	fieldCounts    protowire.Number = 8
	fieldErr       protowire.Number = 9
	fieldKind      protowire.Number = 10
)

type frame struct {
	Seq       uint64
	Op        opCode
	Reduction Reduction
	Root      int
	Rank      int
	WorldSize int
	Payload   []float64
	Counts    []int
	Err       string
	Kind      failureKind
}

func (f *frame) marshal() []byte {
	b := make([]byte, 0, 32+8*len(f.Payload))
	b = pbwire.AppendVarint(b, fieldSeq, f.Seq)
	b = pbwire.AppendVarint(b, fieldOp, uint64(f.Op))
	if f.Reduction != 0 {
		b = pbwire.AppendVarint(b, fieldReduction, uint64(f.Reduction))
	}
	b = pbwire.AppendInt(b, fieldRoot, int64(f.Root))
	b = pbwire.AppendInt(b, fieldRank, int64(f.Rank))
	b = pbwire.AppendInt(b, fieldWorldSize, int64(f.WorldSize))
	b = pbwire.AppendPackedDoubles(b, fieldPayload, f.Payload)
	b = pbwire.AppendPackedInts(b, fieldCounts, f.Counts)
	b = pbwire.AppendString(b, fieldErr, f.Err)
	if f.Kind != 0 {
		b = pbwire.AppendVarint(b, fieldKind, uint64(f.Kind))
	}
	return b
}

func unmarshalFrame(b []byte) (*frame, error) {
	f := &frame{}
	err := pbwire.Range(b, func(fd pbwire.Field) error {
		switch fd.Num {
		case fieldSeq:
			f.Seq = fd.Varint
		case fieldOp:
			f.Op = opCode(fd.Varint)
		case fieldReduction:
			f.Reduction = Reduction(fd.Varint)
		case fieldRoot:
			f.Root = int(fd.Int())
		case fieldRank:
			f.Rank = int(fd.Int())
		case fieldWorldSize:
			f.WorldSize = int(fd.Int())
		case fieldPayload:
			vs, err := pbwire.Doubles(fd)
			if err != nil {
				return err
			}
			f.Payload = append(f.Payload, vs...)
		case fieldCounts:
			vs, err := pbwire.Ints(fd)
			if err != nil {
				return err
			}
			f.Counts = append(f.Counts, vs...)
		case fieldErr:
			f.Err = string(fd.Bytes)
		case fieldKind:
			f.Kind = failureKind(fd.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %v", err)
	}
	return f, nil
}

func writeFrame(w io.Writer, f *frame) error {
	body := f.marshal()
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(body), maxFrameSize)
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return unmarshalFrame(body)
}
