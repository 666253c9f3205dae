package gbm

import (
	"math"
	"sort"

	"github.com/econcast/residual-cli/internal/model"
)

// kRtEps is the smallest gain treated as an improvement.
const kRtEps = 1e-6

// Node is one node of a regression tree. Leaves have Feature == -1.
type Node struct {
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold,omitempty"`
	Left        int     `json:"left,omitempty"`
	Right       int     `json:"right,omitempty"`
	DefaultLeft bool    `json:"default_left,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Gain        float64 `json:"gain,omitempty"`
	Cover       float64 `json:"cover"`
}

// IsLeaf reports whether the node has no children.
func (n Node) IsLeaf() bool {
	return n.Feature < 0
}

// Tree is a binary regression tree stored as a flat node list rooted at 0.
// Rows with x[Feature] < Threshold go left; NaN goes to the default side.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict returns the leaf value reached by x.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v):
			if n.DefaultLeft {
				i = n.Left
			} else {
				i = n.Right
			}
		case v < n.Threshold:
			i = n.Left
		default:
			i = n.Right
		}
	}
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}

// thresholdL1 soft-thresholds a gradient sum by alpha.
func thresholdL1(g, alpha float64) float64 {
	switch {
	case g > alpha:
		return g - alpha
	case g < -alpha:
		return g + alpha
	default:
		return 0
	}
}

// leafWeight is the optimal regularised weight for a node with the given sums.
func leafWeight(g, h float64, p model.Params) float64 {
	return -thresholdL1(g, p.Alpha) / (h + p.Lambda)
}

// nodeScore is the regularised objective reduction of a node.
func nodeScore(g, h float64, p model.Params) float64 {
	t := thresholdL1(g, p.Alpha)
	return t * t / (h + p.Lambda)
}

type split struct {
	feature     int
	threshold   float64
	defaultLeft bool
	gain        float64
	left, right []int
}

// builder grows one tree from the gradient statistics of a boosting round.
type builder struct {
	params model.Params
	rows   [][]float64
	grad   []float64
	hess   []float64
	tree   *Tree
}

func growTree(rows [][]float64, grad, hess []float64, p model.Params) *Tree {
	b := &builder{params: p, rows: rows, grad: grad, hess: hess, tree: &Tree{}}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	b.build(idx, 0)
	return b.tree
}

func (b *builder) sums(idx []int) (g, h float64) {
	for _, i := range idx {
		g += b.grad[i]
		h += b.hess[i]
	}
	return g, h
}

// build appends the subtree for idx and returns its node index.
func (b *builder) build(idx []int, depth int) int {
	g, h := b.sums(idx)
	id := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{Feature: -1, Cover: h})

	if depth < b.params.MaxDepth {
		if s, ok := b.bestSplit(idx, g, h); ok {
			left := b.build(s.left, depth+1)
			right := b.build(s.right, depth+1)
			b.tree.Nodes[id] = Node{
				Feature:     s.feature,
				Threshold:   s.threshold,
				Left:        left,
				Right:       right,
				DefaultLeft: s.defaultLeft,
				Gain:        s.gain,
				Cover:       h,
			}
			return id
		}
	}
	b.tree.Nodes[id].Value = leafWeight(g, h, b.params) * b.params.LearningRate
	return id
}

// bestSplit enumerates every boundary between distinct values of every
// feature, trying missing values on both sides. Ties keep the first
// candidate in feature then value order.
func (b *builder) bestSplit(idx []int, g, h float64) (split, bool) {
	if len(idx) < 2 {
		return split{}, false
	}
	p := b.params
	parent := nodeScore(g, h, p)
	best := split{feature: -1}
	bestGain := 0.0

	nFeatures := len(b.rows[idx[0]])
	present := make([]int, 0, len(idx))
	for f := 0; f < nFeatures; f++ {
		present = present[:0]
		for _, i := range idx {
			if !math.IsNaN(b.rows[i][f]) {
				present = append(present, i)
			}
		}
		if len(present) < 2 {
			continue
		}
		sort.SliceStable(present, func(a, c int) bool {
			return b.rows[present[a]][f] < b.rows[present[c]][f]
		})
		gp, hp := b.sums(present)
		gm, hm := g-gp, h-hp
		hasMissing := len(present) < len(idx)

		var gl, hl float64
		for k := 0; k < len(present)-1; k++ {
			gl += b.grad[present[k]]
			hl += b.hess[present[k]]
			lo, hi := b.rows[present[k]][f], b.rows[present[k+1]][f]
			if lo == hi {
				continue
			}
			thr := lo + (hi-lo)/2
			if thr <= lo {
				thr = hi
			}

			// missing right
			if gain, ok := splitGain(gl, hl, g-gl, h-hl, parent, p); ok && gain > bestGain {
				bestGain = gain
				best = split{feature: f, threshold: thr, defaultLeft: false, gain: gain}
			}
			if !hasMissing {
				continue
			}
			// missing left
			if gain, ok := splitGain(gl+gm, hl+hm, gp-gl, hp-hl, parent, p); ok && gain > bestGain {
				bestGain = gain
				best = split{feature: f, threshold: thr, defaultLeft: true, gain: gain}
			}
		}
	}

	if best.feature < 0 || bestGain <= kRtEps || bestGain <= p.Gamma {
		return split{}, false
	}

	for _, i := range idx {
		v := b.rows[i][best.feature]
		goLeft := v < best.threshold
		if math.IsNaN(v) {
			goLeft = best.defaultLeft
		}
		if goLeft {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	if !hasNaN(b.rows, idx, best.feature) {
		// No training row was missing this feature: send unseen NaN to the heavier child.
		_, lh := b.sums(best.left)
		_, rh := b.sums(best.right)
		best.defaultLeft = lh >= rh
	}
	return best, true
}

func splitGain(gl, hl, gr, hr, parent float64, p model.Params) (float64, bool) {
	if hl < p.MinChildWeight || hr < p.MinChildWeight {
		return 0, false
	}
	return nodeScore(gl, hl, p) + nodeScore(gr, hr, p) - parent, true
}

func hasNaN(rows [][]float64, idx []int, f int) bool {
	for _, i := range idx {
		if math.IsNaN(rows[i][f]) {
			return true
		}
	}
	return false
}
