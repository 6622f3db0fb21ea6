package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

type trainingStateJSON struct {
	Step       int      `json:"step"`
	BestMetric *float64 `json:"best_metric"`
}

// MarshalJSON writes an infinite best metric as null, since JSON has no
// representation for infinities.
func (s TrainingState) MarshalJSON() ([]byte, error) {
	out := trainingStateJSON{Step: s.Step}
	if !math.IsInf(s.BestMetric, 0) && !math.IsNaN(s.BestMetric) {
		best := s.BestMetric
		out.BestMetric = &best
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null or missing best metric as +Inf.
func (s *TrainingState) UnmarshalJSON(b []byte) error {
	var in trainingStateJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	s.Step = in.Step
	s.BestMetric = math.Inf(1)
	if in.BestMetric != nil {
		s.BestMetric = *in.BestMetric
	}
	return nil
}

// MarshalJSONCheckpoint encodes the checkpoint as indented JSON.
func MarshalJSONCheckpoint(c *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalJSONCheckpoint decodes a JSON checkpoint. A document without a
// training_state block resumes from step 0 with an infinite best metric.
func UnmarshalJSONCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{TrainingState: NewTrainingState()}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return c, nil
}
