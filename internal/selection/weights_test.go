package selection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
)

func validWeights() domain.FactorWeights {
	return domain.FactorWeights{
		domain.FactorMomentum:       0.22,
		domain.FactorValue:          0.13,
		domain.FactorQuality:        0.15,
		domain.FactorVolume:         0.10,
		domain.FactorVolatility:     0.10,
		domain.FactorTechnical:      0.20,
		domain.FactorMarketStrength: 0.10,
	}
}

func TestLoadWeights_MissingFileUsesDefaults(t *testing.T) {
	path := WeightsPath(t.TempDir())

	w, err := LoadWeights(path)
	require.NoError(t, err, "a missing file is the normal cold start, not an error")
	assert.Equal(t, domain.DefaultFactorWeights(), w)
}

func TestSaveLoadWeights_RoundTrip(t *testing.T) {
	path := WeightsPath(t.TempDir())
	want := validWeights()

	require.NoError(t, SaveWeights(path, want, domain.DefaultFactorWeights(), time.Now()))

	got, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadWeights_ChecksumMismatchFallsBack(t *testing.T) {
	path := WeightsPath(t.TempDir())
	require.NoError(t, artifacts.Write(path, weightsFile{
		Weights:   validWeights(),
		UpdatedAt: time.Now(),
		Checksum:  "deadbeef",
	}))

	w, err := LoadWeights(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, domain.DefaultFactorWeights(), w, "a tampered file must not influence scoring")
}

func TestLoadWeights_InvariantViolationFallsBack(t *testing.T) {
	path := WeightsPath(t.TempDir())
	bad := validWeights()
	bad[domain.FactorMomentum] = 0.50 // over the per-factor cap

	// A correct checksum over an invalid vector still fails validation.
	require.NoError(t, artifacts.Write(path, weightsFile{
		Weights:   bad,
		UpdatedAt: time.Now(),
		Checksum:  WeightsChecksum(bad),
	}))

	w, err := LoadWeights(path)
	require.Error(t, err)
	assert.Equal(t, domain.DefaultFactorWeights(), w)
}

func TestLoadWeights_CorruptJSONFallsBack(t *testing.T) {
	path := WeightsPath(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	w, err := LoadWeights(path)
	require.Error(t, err)
	assert.Equal(t, domain.DefaultFactorWeights(), w)
}

func TestSaveWeights_RejectsOversizedStep(t *testing.T) {
	path := WeightsPath(t.TempDir())
	prev := domain.DefaultFactorWeights()
	next := domain.FactorWeights{
		domain.FactorMomentum:       0.28, // default 0.20, step 0.08 > 0.05
		domain.FactorValue:          0.15,
		domain.FactorQuality:        0.15,
		domain.FactorVolume:         0.10,
		domain.FactorVolatility:     0.10,
		domain.FactorTechnical:      0.12,
		domain.FactorMarketStrength: 0.10,
	}

	err := SaveWeights(path, next, prev, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed by")
	assert.NoFileExists(t, path)
}

func TestSaveWeights_RejectsInvalidVector(t *testing.T) {
	path := WeightsPath(t.TempDir())
	bad := validWeights()
	bad[domain.FactorValue] = 0.20 // sum drifts off 1

	err := SaveWeights(path, bad, nil, time.Now())
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestWeightsChecksum_OrderIndependent(t *testing.T) {
	a := validWeights()
	b := make(domain.FactorWeights, len(a))
	for _, name := range []string{
		domain.FactorMarketStrength, domain.FactorTechnical, domain.FactorVolatility,
		domain.FactorVolume, domain.FactorQuality, domain.FactorValue, domain.FactorMomentum,
	} {
		b[name] = a[name]
	}

	assert.Equal(t, WeightsChecksum(a), WeightsChecksum(b))
	assert.NotEqual(t, WeightsChecksum(a), WeightsChecksum(domain.DefaultFactorWeights()))
}
