package downscale

import "sort"

// A small static 2-d tree over grid cell centers. Built once per
// remapper; queries only ever ask for one or two neighbors.
type kdPoint struct {
	x, y float64
	idx  int
}

type kdNode struct {
	p           kdPoint
	axis        int
	left, right *kdNode
}

type kdTree struct {
	root *kdNode
}

func buildTree(points []kdPoint) *kdTree {
	pts := append([]kdPoint(nil), points...)
	return &kdTree{root: build(pts, 0)}
}

func build(pts []kdPoint, axis int) *kdNode {
	if len(pts) == 0 {
		return nil
	}
	sort.Slice(pts, func(i, j int) bool {
		if axis == 0 {
			return pts[i].x < pts[j].x
		}
		return pts[i].y < pts[j].y
	})
	mid := len(pts) / 2
	return &kdNode{
		p:     pts[mid],
		axis:  axis,
		left:  build(pts[:mid], 1-axis),
		right: build(pts[mid+1:], 1-axis),
	}
}

type neighbor struct {
	idx   int
	dist2 float64
}

// nearest returns the k closest points to (x, y), nearest first.
func (t *kdTree) nearest(x, y float64, k int) []neighbor {
	best := make([]neighbor, 0, k)
	t.root.search(x, y, k, &best)
	return best
}

func (n *kdNode) search(x, y float64, k int, best *[]neighbor) {
	if n == nil {
		return
	}

	dx := n.p.x - x
	dy := n.p.y - y
	consider(best, k, neighbor{idx: n.p.idx, dist2: dx*dx + dy*dy})

	var delta float64
	if n.axis == 0 {
		delta = x - n.p.x
	} else {
		delta = y - n.p.y
	}

	near, far := n.left, n.right
	if delta > 0 {
		near, far = n.right, n.left
	}
	near.search(x, y, k, best)
	if len(*best) < k || delta*delta < (*best)[len(*best)-1].dist2 {
		far.search(x, y, k, best)
	}
}

func consider(best *[]neighbor, k int, cand neighbor) {
	b := *best
	if len(b) == k && cand.dist2 >= b[len(b)-1].dist2 {
		return
	}
	if len(b) < k {
		b = append(b, cand)
	} else {
		b[len(b)-1] = cand
	}
	for i := len(b) - 1; i > 0 && b[i].dist2 < b[i-1].dist2; i-- {
		b[i], b[i-1] = b[i-1], b[i]
	}
	*best = b
}
