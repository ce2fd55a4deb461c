// Package phenology defines the contract between assembled temperature
// members and the event models consuming them, plus a thermal-time
// reference model.
package phenology

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/bloomcast/bloomcast/internal/ensemble"
)

// Season is one year's daily mean temperatures at a single grid cell,
// with each day expressed as an offset from the season epoch.
type Season struct {
	Temps   []float64
	Offsets []int
}

// Model predicts the day offset of a phenological event from a season
// of temperatures.
type Model interface {
	Fit(seasons []Season, eventOffsets []int) error
	Predict(s Season) (int, error)
}

// ErrNoEvent means the season never satisfied the model's condition
// within its days.
var ErrNoEvent = errors.New("event not reached within season")

// ThermalTime is the classic growing-degree-day model: the event fires
// on the first day accumulated degrees above Base reach Threshold.
type ThermalTime struct {
	Base      float64
	Threshold float64
}

func (m *ThermalTime) Predict(s Season) (int, error) {
	if len(s.Temps) != len(s.Offsets) {
		return 0, fmt.Errorf("season has %d temps for %d offsets", len(s.Temps), len(s.Offsets))
	}
	var gdd float64
	for i, t := range s.Temps {
		if math.IsNaN(t) {
			continue
		}
		if t > m.Base {
			gdd += t - m.Base
		}
		if gdd >= m.Threshold {
			return s.Offsets[i], nil
		}
	}
	return 0, ErrNoEvent
}

// Fit sets the threshold to the mean accumulation observed at the known
// event days, keeping Base fixed.
func (m *ThermalTime) Fit(seasons []Season, eventOffsets []int) error {
	if len(seasons) != len(eventOffsets) {
		return fmt.Errorf("%d seasons for %d event days", len(seasons), len(eventOffsets))
	}
	if len(seasons) == 0 {
		return errors.New("no training seasons")
	}

	var sum float64
	for i, s := range seasons {
		var gdd float64
		reached := false
		for j, t := range s.Temps {
			if math.IsNaN(t) {
				continue
			}
			if t > m.Base {
				gdd += t - m.Base
			}
			if s.Offsets[j] >= eventOffsets[i] {
				reached = true
				break
			}
		}
		if !reached {
			return fmt.Errorf("season %d ends before its event day %d", i, eventOffsets[i])
		}
		sum += gdd
	}
	m.Threshold = sum / float64(len(seasons))
	return nil
}

// MemberSeason extracts one grid cell's season from an assembled member.
func MemberSeason(m *ensemble.Member, epoch time.Time, la, lo int) Season {
	offsets := m.DayOffsets(epoch)
	temps := make([]float64, m.Series.NumTimes())
	for i := range temps {
		temps[i] = float64(m.Series.At(i, la, lo))
	}
	return Season{Temps: temps, Offsets: offsets}
}

// PredictEnsemble runs the model over every member at one cell. Members
// whose season never reaches the event are dropped; everything else is
// returned sorted, ready for quantile summaries.
func PredictEnsemble(model Model, members []*ensemble.Member, epoch time.Time, la, lo int) ([]int, error) {
	var out []int
	for _, m := range members {
		day, err := model.Predict(MemberSeason(m, epoch, la, lo))
		if errors.Is(err, ErrNoEvent) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.Init.Format("2006010215"), err)
		}
		out = append(out, day)
	}
	sort.Ints(out)
	return out, nil
}

// Quantile reads the q-th quantile (0..1) off a sorted prediction set.
func Quantile(sorted []int, q float64) (int, error) {
	if len(sorted) == 0 {
		return 0, errors.New("no predictions")
	}
	idx := int(math.Round(q * float64(len(sorted)-1)))
	return sorted[idx], nil
}

// SaveParams and LoadParams persist fitted model parameters.
func SaveParams(path string, m *ThermalTime) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func LoadParams(path string) (*ThermalTime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m ThermalTime
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode params %s: %w", path, err)
	}
	return &m, nil
}
