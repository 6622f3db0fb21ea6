package checkpoints

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tsawler/go-ddp/pbwire"
)

// Field numbers of the .ckpt layout. Unknown fields are skipped on decode so
// newer writers stay readable.
const (
	ckptStep       protowire.Number = 1
	ckptBestMetric protowire.Number = 2
	ckptWeights    protowire.Number = 3
	ckptOptimizer  protowire.Number = 4
	ckptScheduler  protowire.Number = 5
	ckptMetadata   protowire.Number = 6

	tensorName      protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorData      protowire.Number = 3
	tensorStateType protowire.Number = 4

	optType       protowire.Number = 1
	optParameters protowire.Number = 2
	optStateData  protowire.Number = 3

	schedType   protowire.Number = 1
	schedValues protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaRunID       protowire.Number = 3
	metaMilestone   protowire.Number = 4
	metaCreatedAt   protowire.Number = 5
	metaDescription protowire.Number = 6
)

// MarshalProto encodes the checkpoint in the .ckpt layout. An infinite best
// metric is left out, which decodes back to +Inf.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = pbwire.AppendVarint(b, ckptStep, uint64(c.TrainingState.Step))
	if !math.IsInf(c.TrainingState.BestMetric, 1) {
		b = pbwire.AppendDouble(b, ckptBestMetric, c.TrainingState.BestMetric)
	}
	for _, w := range c.Weights {
		b = pbwire.AppendBytes(b, ckptWeights, appendTensor(nil, w.Name, w.Shape, w.Data, ""))
	}
	if c.OptimizerState != nil {
		b = pbwire.AppendBytes(b, ckptOptimizer, appendOptimizer(nil, c.OptimizerState))
	}
	if c.SchedulerState != nil {
		var body []byte
		body = pbwire.AppendString(body, schedType, c.SchedulerState.Type)
		body = appendEntries(body, schedValues, c.SchedulerState.Values)
		b = pbwire.AppendBytes(b, ckptScheduler, body)
	}
	meta, err := appendMetadata(nil, &c.Metadata)
	if err != nil {
		return nil, err
	}
	return pbwire.AppendBytes(b, ckptMetadata, meta), nil
}

func appendTensor(b []byte, name string, shape []int, data []float64, stateType string) []byte {
	b = pbwire.AppendString(b, tensorName, name)
	b = pbwire.AppendPackedInts(b, tensorShape, shape)
	b = pbwire.AppendPackedDoubles(b, tensorData, data)
	return pbwire.AppendString(b, tensorStateType, stateType)
}

func appendOptimizer(b []byte, o *OptimizerState) []byte {
	b = pbwire.AppendString(b, optType, o.Type)
	b = appendEntries(b, optParameters, o.Parameters)
	for _, t := range o.StateData {
		b = pbwire.AppendBytes(b, optStateData, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

// appendEntries writes a string→double map as repeated key/value messages in
// key order, so equal maps always encode to equal bytes.
func appendEntries(b []byte, num protowire.Number, m map[string]float64) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = pbwire.AppendString(entry, entryKey, k)
		entry = pbwire.AppendDouble(entry, entryValue, m[k])
		b = pbwire.AppendBytes(b, num, entry)
	}
	return b
}

func appendMetadata(b []byte, m *Metadata) ([]byte, error) {
	b = pbwire.AppendString(b, metaVersion, m.Version)
	b = pbwire.AppendString(b, metaFramework, m.Framework)
	b = pbwire.AppendString(b, metaRunID, m.RunID)
	b = pbwire.AppendString(b, metaMilestone, m.Milestone)
	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to encode creation time: %v", err)
		}
		b = pbwire.AppendBytes(b, metaCreatedAt, ts)
	}
	return pbwire.AppendString(b, metaDescription, m.Description), nil
}

// UnmarshalProto decodes the .ckpt layout. A missing step decodes to 0 and a
// missing best metric to +Inf.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{TrainingState: NewTrainingState()}
	err := pbwire.Range(b, func(f pbwire.Field) error {
		switch f.Num {
		case ckptStep:
			c.TrainingState.Step = int(f.Varint)
		case ckptBestMetric:
			c.TrainingState.BestMetric = f.Double()
		case ckptWeights:
			name, shape, data, _, err := decodeTensor(f.Bytes)
			if err != nil {
				return fmt.Errorf("weight %d: %v", len(c.Weights), err)
			}
			c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: data})
		case ckptOptimizer:
			o, err := decodeOptimizer(f.Bytes)
			if err != nil {
				return fmt.Errorf("optimizer state: %v", err)
			}
			c.OptimizerState = o
		case ckptScheduler:
			s := &SchedulerState{Values: map[string]float64{}}
			err := pbwire.Range(f.Bytes, func(f pbwire.Field) error {
				switch f.Num {
				case schedType:
					s.Type = string(f.Bytes)
				case schedValues:
					k, v, err := decodeEntry(f.Bytes)
					if err != nil {
						return err
					}
					s.Values[k] = v
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("scheduler state: %v", err)
			}
			c.SchedulerState = s
		case ckptMetadata:
			if err := decodeMetadata(f.Bytes, &c.Metadata); err != nil {
				return fmt.Errorf("metadata: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return c, nil
}

func decodeTensor(b []byte) (name string, shape []int, data []float64, stateType string, err error) {
	err = pbwire.Range(b, func(f pbwire.Field) error {
		switch f.Num {
		case tensorName:
			name = string(f.Bytes)
		case tensorShape:
			dims, err := pbwire.Ints(f)
			if err != nil {
				return err
			}
			shape = append(shape, dims...)
		case tensorData:
			vs, err := pbwire.Doubles(f)
			if err != nil {
				return err
			}
			data = append(data, vs...)
		case tensorStateType:
			stateType = string(f.Bytes)
		}
		return nil
	})
	return name, shape, data, stateType, err
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: map[string]float64{}}
	err := pbwire.Range(b, func(f pbwire.Field) error {
		switch f.Num {
		case optType:
			o.Type = string(f.Bytes)
		case optParameters:
			k, v, err := decodeEntry(f.Bytes)
			if err != nil {
				return err
			}
			o.Parameters[k] = v
		case optStateData:
			name, shape, data, stateType, err := decodeTensor(f.Bytes)
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		return nil
	})
	return o, err
}

func decodeEntry(b []byte) (key string, value float64, err error) {
	err = pbwire.Range(b, func(f pbwire.Field) error {
		switch f.Num {
		case entryKey:
			key = string(f.Bytes)
		case entryValue:
			value = f.Double()
		}
		return nil
	})
	return key, value, err
}

func decodeMetadata(b []byte, m *Metadata) error {
	return pbwire.Range(b, func(f pbwire.Field) error {
		switch f.Num {
		case metaVersion:
			m.Version = string(f.Bytes)
		case metaFramework:
			m.Framework = string(f.Bytes)
		case metaRunID:
			m.RunID = string(f.Bytes)
		case metaMilestone:
			m.Milestone = string(f.Bytes)
		case metaCreatedAt:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(f.Bytes, &ts); err != nil {
				return err
			}
			m.CreatedAt = ts.AsTime()
		case metaDescription:
			m.Description = string(f.Bytes)
		}
		return nil
	})
}
