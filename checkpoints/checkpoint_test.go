package checkpoints

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ddp/model"
	"github.com/tsawler/go-ddp/pbwire"
	"github.com/tsawler/go-ddp/tensor"
)

func testParams(t *testing.T, prefix string) []model.NamedParameter {
	t.Helper()
	w, err := tensor.NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	b, err := tensor.NewTensor([]int{2}, []float64{-1, 0.5})
	require.NoError(t, err)
	return []model.NamedParameter{
		{Name: prefix + "fc.weight", Parameter: model.NewParameter(w)},
		{Name: prefix + "fc.bias", Parameter: model.NewParameter(b)},
	}
}

func testCheckpoint(t *testing.T) *Checkpoint {
	return &Checkpoint{
		Weights:       StateDict(testParams(t, ""), model.PlainNamer{}),
		TrainingState: TrainingState{Step: 500, BestMetric: 0.42},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"learning_rate": 1e-4, "step_count": 500},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2, 3}, Data: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, StateType: "m"},
			},
		},
		SchedulerState: &SchedulerState{
			Type:   "ReduceLROnPlateau",
			Values: map[string]float64{"best": 0.42, "bad_epochs": 2},
		},
		Metadata: Metadata{RunID: "run-1", CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			store := NewStore(Config{Directory: filepath.Join(t.TempDir(), "run"), Format: format, Primary: true})
			want := testCheckpoint(t)

			path, err := store.Save(context.Background(), want, "best")
			require.NoError(t, err)
			assert.Equal(t, store.Path("best"), path)
			assert.Equal(t, "model-best."+format.Ext(), filepath.Base(path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want.TrainingState, got.TrainingState)
			assert.Equal(t, want.Weights, got.Weights)
			assert.Equal(t, want.OptimizerState, got.OptimizerState)
			assert.Equal(t, want.SchedulerState, got.SchedulerState)
			assert.Equal(t, "best", got.Metadata.Milestone)
			assert.Equal(t, "go-ddp", got.Metadata.Framework)
			assert.Equal(t, "run-1", got.Metadata.RunID)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
		})
	}
}

func TestSaveThenLoadIsIdempotent(t *testing.T) {
	store := NewStore(Config{Directory: t.TempDir(), Primary: true})
	first := testCheckpoint(t)
	_, err := store.Save(context.Background(), first, "1")
	require.NoError(t, err)

	loaded, err := store.Load("1")
	require.NoError(t, err)
	_, err = store.Save(context.Background(), loaded, "2")
	require.NoError(t, err)

	a, err := os.ReadFile(store.Path("1"))
	require.NoError(t, err)
	b, err := os.ReadFile(store.Path("2"))
	require.NoError(t, err)
	// only the milestone differs
	ra, err := UnmarshalProto(a)
	require.NoError(t, err)
	rb, err := UnmarshalProto(b)
	require.NoError(t, err)
	rb.Metadata.Milestone = ra.Metadata.Milestone
	assert.Equal(t, ra, rb)
}

func TestInfiniteBestMetricSurvives(t *testing.T) {
	for _, format := range []Format{FormatProto, FormatJSON} {
		store := NewStore(Config{Directory: t.TempDir(), Format: format, Primary: true})
		ckpt := &Checkpoint{TrainingState: NewTrainingState()}
		path, err := store.Save(context.Background(), ckpt, "0")
		require.NoError(t, err)

		got, err := Load(path)
		require.NoError(t, err)
		assert.True(t, math.IsInf(got.TrainingState.BestMetric, 1), format.String())
		assert.Equal(t, 0, got.TrainingState.Step)
	}
}

func TestMissingFieldsDefault(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "model-old.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"weights": []}`), 0644))
	got, err := Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TrainingState.Step)
	assert.True(t, math.IsInf(got.TrainingState.BestMetric, 1))

	// a weights-only record, as an older writer would produce
	body := pbwire.AppendBytes(nil, ckptWeights, appendTensor(nil, "fc.bias", []int{1}, []float64{2}, ""))
	protoPath := filepath.Join(dir, "model-old.ckpt")
	require.NoError(t, os.WriteFile(protoPath, body, 0644))
	got, err = Load(protoPath)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TrainingState.Step)
	assert.True(t, math.IsInf(got.TrainingState.BestMetric, 1))
	require.Len(t, got.Weights, 1)
	assert.Equal(t, []float64{2}, got.Weights[0].Data)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "model-best.ckpt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-best.ckpt")
	require.NoError(t, os.WriteFile(path, []byte{0x1a, 0xff, 0x01}, 0644))
	_, err := Load(path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestNonPrimaryDoesNotWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	store := NewStore(Config{Directory: dir, Primary: false})
	path, err := store.Save(context.Background(), testCheckpoint(t), "best")
	require.NoError(t, err)
	assert.Empty(t, path)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveFailureIsWriteError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	store := NewStore(Config{Directory: filepath.Join(blocker, "run"), Primary: true})
	_, err := store.Save(context.Background(), testCheckpoint(t), "best")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))
	assert.True(t, errors.Is(err, syscall.ENOTDIR))
	var pathErr *os.PathError
	require.True(t, errors.As(err, &pathErr))
	assert.Contains(t, pathErr.Path, blocker)
	assert.Contains(t, err.Error(), "failed to create checkpoint directory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewStore(Config{Directory: t.TempDir(), Primary: true}).Save(ctx, testCheckpoint(t), "best")
	assert.True(t, errors.Is(err, ErrWrite))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Config{Directory: dir, Primary: true})
	for _, label := range []string{"best", "best", "1"} {
		_, err := store.Save(context.Background(), testCheckpoint(t), label)
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"model-best.ckpt", "model-1.ckpt"}, names)
}

func TestWrappedAndBareInterchange(t *testing.T) {
	wrapped := model.PrefixNamer{Prefix: model.WrapperPrefix}

	// saved from a wrapped model, loaded into a bare one
	saved := &Checkpoint{Weights: StateDict(testParams(t, model.WrapperPrefix), wrapped)}
	for _, w := range saved.Weights {
		assert.NotContains(t, w.Name, model.WrapperPrefix)
	}
	bare := testParams(t, "")
	for _, p := range bare {
		for i := range p.Value.Data {
			p.Value.Data[i] = 0
		}
	}
	require.NoError(t, ApplyModel(saved, bare, model.PlainNamer{}))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, bare[0].Value.Data)

	// saved from a bare model, loaded into a wrapped one
	saved = &Checkpoint{Weights: StateDict(testParams(t, ""), model.PlainNamer{})}
	live := testParams(t, model.WrapperPrefix)
	live[1].Value.Data[0] = 99
	require.NoError(t, ApplyModel(saved, live, wrapped))
	assert.Equal(t, []float64{-1, 0.5}, live[1].Value.Data)

	// legacy files that stored wrapped names load into both
	legacy := &Checkpoint{Weights: []WeightTensor{
		{Name: "module.fc.weight", Shape: []int{2, 3}, Data: make([]float64, 6)},
		{Name: "module.fc.bias", Shape: []int{2}, Data: []float64{7, 8}},
	}}
	bare = testParams(t, "")
	require.NoError(t, ApplyModel(legacy, bare, model.PlainNamer{}))
	assert.Equal(t, []float64{7, 8}, bare[1].Value.Data)
	live = testParams(t, model.WrapperPrefix)
	require.NoError(t, ApplyModel(legacy, live, wrapped))
	assert.Equal(t, []float64{7, 8}, live[1].Value.Data)
}

func TestApplyModelRejectsMismatches(t *testing.T) {
	good := StateDict(testParams(t, ""), model.PlainNamer{})

	missing := &Checkpoint{Weights: good[:1]}
	err := ApplyModel(missing, testParams(t, ""), model.PlainNamer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parameter")

	extra := &Checkpoint{Weights: append(append([]WeightTensor{}, good...), WeightTensor{Name: "aux.weight", Shape: []int{1}, Data: []float64{1}})}
	err = ApplyModel(extra, testParams(t, ""), model.PlainNamer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	reshaped := &Checkpoint{Weights: []WeightTensor{
		{Name: "fc.weight", Shape: []int{3, 2}, Data: make([]float64, 6)},
		good[1],
	}}
	params := testParams(t, "")
	err = ApplyModel(reshaped, params, model.PlainNamer{})
	require.Error(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, params[0].Value.Data, "nothing assigned on error")

	dup := &Checkpoint{Weights: []WeightTensor{good[0], good[1], {Name: "module.fc.bias", Shape: []int{2}, Data: []float64{0, 0}}}}
	err = ApplyModel(dup, testParams(t, ""), model.PlainNamer{})
	require.Error(t, err)
}

func TestPruneKeepsNewestPeriodic(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Config{Directory: dir, Primary: true})
	for _, label := range []string{"1", "2", "10", "3", "best"} {
		_, err := store.Save(context.Background(), testCheckpoint(t), label)
		require.NoError(t, err)
	}

	require.NoError(t, store.Prune(2))
	periodic, err := store.Periodic()
	require.NoError(t, err)
	assert.Equal(t, []string{store.Path("3"), store.Path("10")}, periodic)
	_, err = os.Stat(store.Path("best"))
	assert.NoError(t, err)

	require.NoError(t, store.Prune(0))
	periodic, err = store.Periodic()
	require.NoError(t, err)
	assert.Len(t, periodic, 2)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3MirrorUploadsSavedFile(t *testing.T) {
	client := &fakeS3{}
	mirror := &S3Mirror{Client: client, Bucket: "ckpts", Prefix: "runs/exp1"}
	store := NewStore(Config{Directory: t.TempDir(), Primary: true, Mirror: mirror})

	path, err := store.Save(context.Background(), testCheckpoint(t), "best")
	require.NoError(t, err)

	require.NotNil(t, client.input)
	assert.Equal(t, "ckpts", aws.ToString(client.input.Bucket))
	assert.Equal(t, "runs/exp1/model-best.ckpt", aws.ToString(client.input.Key))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(onDisk, client.body))
}

func TestS3MirrorFailureKeepsLocalCheckpoint(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	store := NewStore(Config{Directory: t.TempDir(), Primary: true, Mirror: &S3Mirror{Client: client, Bucket: "b"}})

	path, err := store.Save(context.Background(), testCheckpoint(t), "best")
	require.NoError(t, err)
	_, err = Load(path)
	require.NoError(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)
	_, err = ParseFormat("onnx")
	assert.Error(t, err)
	assert.Equal(t, FormatJSON, FormatForPath("a/model-best.JSON"))
	assert.Equal(t, FormatProto, FormatForPath("a/model-best.ckpt"))
}
