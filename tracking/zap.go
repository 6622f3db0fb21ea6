package tracking

import (
	"go.uber.org/zap"
)

// Zap writes scalars to a logger.
type Zap struct {
	lg *zap.Logger
}

func NewZap(lg *zap.Logger) *Zap {
	return &Zap{lg: lg}
}

func (z *Zap) Init(runName string, hparams map[string]any) error {
	z.lg = z.lg.With(zap.String("run", runName))
	z.lg.Info("tracking run", zap.Any("hparams", hparams))
	return nil
}

func (z *Zap) Log(values map[string]float64, step int) error {
	fields := make([]zap.Field, 0, len(values)+1)
	fields = append(fields, zap.Int("step", step))
	for _, tag := range sortedTags(values) {
		fields = append(fields, zap.Float64(tag, values[tag]))
	}
	z.lg.Info("scalars", fields...)
	return nil
}

func (z *Zap) Close() error {
	_ = z.lg.Sync()
	return nil
}
