package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() AdaptiveSizerConfig {
	return AdaptiveSizerConfig{
		MinBatch:            100,
		MaxBatch:            1600,
		InitialBatch:        400,
		TargetBatchDuration: 2 * time.Second,
		HighWatermarkBytes:  1000,
		LowWatermarkBytes:   500,
		RequiredConsecutive: 3,
	}
}

func TestAdaptiveSizer_StartsAtInitial(t *testing.T) {
	a := NewAdaptiveSizer(testConfig())
	assert.Equal(t, 400, a.Current())
	assert.False(t, a.Paused())
}

func TestAdaptiveSizer_HalvesAndPausesOnHighWatermarkBreach(t *testing.T) {
	a := NewAdaptiveSizer(testConfig())
	a.ObserveBatch(time.Second, 1200)
	assert.Equal(t, 200, a.Current())
	assert.True(t, a.Paused())
}

func TestAdaptiveSizer_ClampsHalvingToMin(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBatch = 150
	a := NewAdaptiveSizer(cfg)
	a.ObserveBatch(time.Second, 1200)
	assert.Equal(t, 100, a.Current())
}

func TestAdaptiveSizer_StaysPausedUntilBelowLowWatermark(t *testing.T) {
	a := NewAdaptiveSizer(testConfig())
	a.ObserveBatch(time.Second, 1200)
	require := a
	assert.True(t, require.Paused())

	a.ObserveBatch(time.Second, 600)
	assert.True(t, a.Paused(), "still above low watermark, must stay paused")

	a.ObserveBatch(time.Second, 400)
	assert.False(t, a.Paused(), "below low watermark, should resume")
}

func TestAdaptiveSizer_DoublesAfterConsecutiveGoodBatches(t *testing.T) {
	a := NewAdaptiveSizer(testConfig())
	a.ObserveBatch(time.Second, 100)
	a.ObserveBatch(time.Second, 100)
	assert.Equal(t, 400, a.Current(), "not yet at required consecutive count")
	a.ObserveBatch(time.Second, 100)
	assert.Equal(t, 800, a.Current())
}

func TestAdaptiveSizer_ClampsDoublingToMax(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBatch = 1000
	a := NewAdaptiveSizer(cfg)
	for i := 0; i < 3; i++ {
		a.ObserveBatch(time.Second, 100)
	}
	assert.Equal(t, 1600, a.Current())
}

func TestAdaptiveSizer_SlowBatchResetsConsecutiveCount(t *testing.T) {
	a := NewAdaptiveSizer(testConfig())
	a.ObserveBatch(time.Second, 100)
	a.ObserveBatch(time.Second, 100)
	a.ObserveBatch(3*time.Second, 100)
	a.ObserveBatch(time.Second, 100)
	assert.Equal(t, 400, a.Current(), "the slow batch must reset the streak")
}
