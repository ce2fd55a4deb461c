package grid

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSeriesAppendAndIndex(t *testing.T) {
	s := NewSeries([]float64{40, 41}, []float64{-100, -99, -98})

	if err := s.Append(day(2018, 1, 1), fill(6, 1.5), StatusStable); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(day(2018, 1, 2), fill(6, 2.5), StatusEarly); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := s.IndexOf(day(2018, 1, 2)); got != 1 {
		t.Errorf("IndexOf = %d, want 1", got)
	}
	if got := s.At(1, 0, 2); got != 2.5 {
		t.Errorf("At(1,0,2) = %v, want 2.5", got)
	}
	if got := s.StatusAt(0); got != StatusStable {
		t.Errorf("StatusAt(0) = %q, want stable", got)
	}
}

func TestSeriesAppendRejectsOutOfOrder(t *testing.T) {
	s := NewSeries([]float64{40}, []float64{-100})
	if err := s.Append(day(2018, 1, 2), fill(1, 0), StatusNone); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(day(2018, 1, 1), fill(1, 0), StatusNone); err == nil {
		t.Error("appending an earlier day should fail")
	}
	if err := s.Append(day(2018, 1, 2), fill(1, 0), StatusNone); err == nil {
		t.Error("appending a duplicate day should fail")
	}
}

func TestSeriesAppendRejectsWrongCellCount(t *testing.T) {
	s := NewSeries([]float64{40, 41}, []float64{-100})
	if err := s.Append(day(2018, 1, 1), fill(3, 0), StatusNone); err == nil {
		t.Error("wrong cell count should fail")
	}
}

func TestSeriesReplaceTouchesOnlyOneDay(t *testing.T) {
	s := NewSeries([]float64{40}, []float64{-100, -99})
	for i := 0; i < 3; i++ {
		if err := s.Append(day(2018, 2, i+1), fill(2, float32(i)), StatusProvisional); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.Replace(day(2018, 2, 2), fill(2, 99), StatusStable); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if got := s.At(0, 0, 0); got != 0 {
		t.Errorf("day 1 value changed: %v", got)
	}
	if got := s.At(1, 0, 0); got != 99 {
		t.Errorf("day 2 value = %v, want 99", got)
	}
	if got := s.At(2, 0, 0); got != 2 {
		t.Errorf("day 3 value changed: %v", got)
	}
	if got := s.StatusAt(1); got != StatusStable {
		t.Errorf("day 2 status = %q, want stable", got)
	}
	if got := s.StatusAt(2); got != StatusProvisional {
		t.Errorf("day 3 status = %q, want provisional", got)
	}

	if err := s.Replace(day(2018, 2, 9), fill(2, 0), StatusStable); err == nil {
		t.Error("replacing an absent day should fail")
	}
}

func TestSeriesSliceClosedInterval(t *testing.T) {
	s := NewSeries([]float64{40}, []float64{-100})
	for i := 0; i < 5; i++ {
		if err := s.Append(day(2018, 3, i+1), fill(1, float32(i)), StatusNone); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	out := s.Slice(day(2018, 3, 2), day(2018, 3, 4))
	if out.NumTimes() != 3 {
		t.Fatalf("slice has %d times, want 3", out.NumTimes())
	}
	if !out.FirstTime().Equal(day(2018, 3, 2)) || !out.LastTime().Equal(day(2018, 3, 4)) {
		t.Errorf("slice range = %v..%v", out.FirstTime(), out.LastTime())
	}
}

func TestBlankStepIsAllNaN(t *testing.T) {
	v := BlankStep(4)
	for i, x := range v {
		if !math.IsNaN(float64(x)) {
			t.Errorf("cell %d = %v, want NaN", i, x)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewSeries([]float64{40, 41}, []float64{-100, -99})
	if err := s.Append(day(2018, 1, 1), fill(4, 7.25), StatusStable); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := filepath.Join(t.TempDir(), "season.gob.gz")
	if err := Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !SameGrid(s, got) {
		t.Error("grid not preserved")
	}
	if got.NumTimes() != 1 || !got.FirstTime().Equal(day(2018, 1, 1)) {
		t.Errorf("times not preserved: %v", got.Times)
	}
	if got.At(0, 1, 1) != 7.25 {
		t.Errorf("data not preserved: %v", got.At(0, 1, 1))
	}
	if got.StatusAt(0) != StatusStable {
		t.Errorf("status not preserved: %q", got.StatusAt(0))
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}
