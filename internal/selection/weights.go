package selection

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
)

// The dynamic weight vector lives in a JSON file under the artifact root.
// A feedback process outside the trading core rewrites it between days; the
// pipeline only ever reads it. The checksum pins the vector so a partial or
// hand-edited file cannot silently skew a day's scoring.

const weightsFileName = "factor_weights.json"

// WeightsPath returns the dynamic weights location under the artifact root.
func WeightsPath(root string) string {
	return filepath.Join(root, "weights", weightsFileName)
}

// weightsFile is the on-disk format.
type weightsFile struct {
	Weights   domain.FactorWeights `json:"weights"`
	UpdatedAt time.Time            `json:"updated_at"`
	Checksum  string               `json:"checksum"`
}

// WeightsChecksum hashes the weight vector in canonical factor order, so
// the digest does not depend on JSON key order or map iteration.
func WeightsChecksum(w domain.FactorWeights) string {
	h := sha256.New()
	for _, name := range domain.FactorOrder {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(strconv.FormatFloat(w[name], 'g', -1, 64)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LoadWeights reads the dynamic weight vector. A missing file is the normal
// cold-start state and yields the defaults with no error. A present but
// unusable file (unreadable, checksum mismatch, bounds or sum violation)
// also yields the defaults, with the error describing the violation so the
// caller can raise a high-severity warning.
func LoadWeights(path string) (domain.FactorWeights, error) {
	var f weightsFile
	if err := artifacts.Read(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DefaultFactorWeights(), nil
		}
		return domain.DefaultFactorWeights(), fmt.Errorf("reading weights file: %w", err)
	}
	if got := WeightsChecksum(f.Weights); got != f.Checksum {
		return domain.DefaultFactorWeights(),
			fmt.Errorf("weights checksum mismatch: file has %s, computed %s",
				shortSum(f.Checksum), shortSum(got))
	}
	if err := f.Weights.Validate(); err != nil {
		return domain.DefaultFactorWeights(), err
	}
	return f.Weights, nil
}

// SaveWeights writes a new weight vector with a fresh checksum. The vector
// must satisfy the bounds and sum invariants, and when prev is non-nil no
// component may move more than the per-update step cap.
func SaveWeights(path string, w, prev domain.FactorWeights, now time.Time) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if prev != nil {
		if err := w.ValidateStep(prev); err != nil {
			return err
		}
	}
	return artifacts.Write(path, weightsFile{
		Weights:   w,
		UpdatedAt: now,
		Checksum:  WeightsChecksum(w),
	})
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	if s == "" {
		return "(empty)"
	}
	return s
}
