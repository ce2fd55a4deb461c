// Package downscale maps coarse forecast grids onto the observation
// grid and applies per-cell statistical corrections trained against
// historical observations.
package downscale

import (
	"fmt"
	"math"

	"github.com/bloomcast/bloomcast/internal/grid"
)

// Method selects how a target cell samples the source grid.
type Method string

const (
	MethodNearest          Method = "nearest"
	MethodDistanceWeighted Method = "distance_weighted"
)

// Both grids are treated as plain lat/lon coordinates; the small shape
// distortion between the source and target projections is accepted
// rather than reprojected, since the correction model is trained on the
// same mapping and absorbs the bias.
type Remapper struct {
	lats, lons       []float64 // target grid
	srcLats, srcLons []float64 // source grid the mapping was built from
	srcIdx           [][2]int
	weights          [][2]float64
	k                int
}

// NewRemapper precomputes the neighbor mapping from a source grid onto
// a target grid. The mapping depends only on the two grids, so one
// remapper serves every timestep and every ensemble member of a run.
func NewRemapper(srcLats, srcLons, dstLats, dstLons []float64, method Method) (*Remapper, error) {
	k := 0
	switch method {
	case MethodNearest:
		k = 1
	case MethodDistanceWeighted:
		k = 2
	default:
		return nil, fmt.Errorf("unknown downscale method %q", method)
	}

	points := make([]kdPoint, 0, len(srcLats)*len(srcLons))
	for j, lat := range srcLats {
		for i, lon := range srcLons {
			points = append(points, kdPoint{x: lon, y: lat, idx: j*len(srcLons) + i})
		}
	}
	tree := buildTree(points)

	r := &Remapper{
		lats:    append([]float64(nil), dstLats...),
		lons:    append([]float64(nil), dstLons...),
		srcLats: append([]float64(nil), srcLats...),
		srcLons: append([]float64(nil), srcLons...),
		srcIdx:  make([][2]int, len(dstLats)*len(dstLons)),
		weights: make([][2]float64, len(dstLats)*len(dstLons)),
		k:       k,
	}

	cell := 0
	for _, lat := range dstLats {
		for _, lon := range dstLons {
			nb := tree.nearest(lon, lat, k)
			if len(nb) < k {
				return nil, fmt.Errorf("source grid too small for %s remap", method)
			}
			for n, w := range idwWeights(nb) {
				r.srcIdx[cell][n] = nb[n].idx
				r.weights[cell][n] = w
			}
			cell++
		}
	}
	return r, nil
}

// idwWeights turns squared distances into inverse-distance weights. A
// coincident point takes the whole weight.
func idwWeights(nb []neighbor) []float64 {
	weights := make([]float64, len(nb))
	for i, n := range nb {
		if n.dist2 == 0 {
			weights[i] = 1
			return weights
		}
		weights[i] = 1 / math.Sqrt(n.dist2)
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// Apply remaps one source timestep onto the target grid.
func (r *Remapper) Apply(src []float32) []float32 {
	out := make([]float32, len(r.srcIdx))
	for cell := range out {
		var v float64
		for n := 0; n < r.k; n++ {
			v += float64(src[r.srcIdx[cell][n]]) * r.weights[cell][n]
		}
		out[cell] = float32(v)
	}
	return out
}

// RemapSeries remaps every timestep of a series onto the target grid.
// The series must be on the grid the mapping was built from; the
// neighbor indices mean nothing on any other grid.
func (r *Remapper) RemapSeries(s *grid.Series) (*grid.Series, error) {
	if !grid.SameAxes(r.srcLats, r.srcLons, s.Lats, s.Lons) {
		return nil, fmt.Errorf("series grid %dx%d does not match the %dx%d grid the remap was built from",
			len(s.Lats), len(s.Lons), len(r.srcLats), len(r.srcLons))
	}
	out := grid.NewSeries(r.lats, r.lons)
	for i, ts := range s.Times {
		if err := out.Append(ts, r.Apply(s.Step(i)), s.StatusAt(i)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
