package sketch

import (
	"math"
	"sort"
	"sync"
)

const DefaultCompression = 100

type centroid struct {
	mean   float64
	weight float64
}

// TDigest is a merging t-digest using the arcsine scale function. Memory is
// bounded by the compression δ (roughly δ·π/2 centroids). A centroid near
// quantile q holds at most about π·√(q(1−q))/δ of the total weight, so the
// rank error at the median is bounded by ~π/(2δ) (≈1.6% at δ=100) and shrinks
// toward the tails. Results are approximate.
type TDigest struct {
	mu          sync.Mutex
	compression float64
	centroids   []centroid
	buffer      []centroid
	count       float64
	min, max    float64
}

func NewTDigest(compression float64) *TDigest {
	if compression < 20 {
		compression = DefaultCompression
	}
	return &TDigest{compression: compression, min: math.Inf(1), max: math.Inf(-1)}
}

func (t *TDigest) Add(x float64) { t.AddWeighted(x, 1) }

func (t *TDigest) AddWeighted(x, w float64) {
	if math.IsNaN(x) || w <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(x, w)
}

func (t *TDigest) addLocked(x, w float64) {
	t.buffer = append(t.buffer, centroid{mean: x, weight: w})
	t.count += w
	if x < t.min {
		t.min = x
	}
	if x > t.max {
		t.max = x
	}
	if len(t.buffer) >= int(5*t.compression) {
		t.compress()
	}
}

// Merge folds other into t. other is left unchanged.
func (t *TDigest) Merge(other *TDigest) {
	if other == nil || other == t {
		return
	}
	other.mu.Lock()
	cs := make([]centroid, 0, len(other.centroids)+len(other.buffer))
	cs = append(cs, other.centroids...)
	cs = append(cs, other.buffer...)
	omin, omax := other.min, other.max
	other.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cs {
		t.buffer = append(t.buffer, c)
		t.count += c.weight
	}
	if omin < t.min {
		t.min = omin
	}
	if omax > t.max {
		t.max = omax
	}
	t.compress()
}

func (t *TDigest) kScale(q float64) float64 {
	return t.compression / (2 * math.Pi) * math.Asin(2*q-1)
}

func (t *TDigest) kInverse(k float64) float64 {
	arg := k * 2 * math.Pi / t.compression
	if arg >= math.Pi/2 {
		return 1
	}
	return (math.Sin(arg) + 1) / 2
}

func (t *TDigest) compress() {
	if len(t.buffer) == 0 {
		return
	}
	all := append(t.centroids, t.buffer...)
	t.buffer = t.buffer[:0]
	sort.Slice(all, func(i, j int) bool { return all[i].mean < all[j].mean })

	total := t.count
	out := make([]centroid, 0, len(t.centroids)+8)
	wSoFar := 0.0
	limit := total * t.kInverse(t.kScale(0)+1)
	cur := all[0]
	for _, c := range all[1:] {
		if wSoFar+cur.weight+c.weight <= limit {
			cur.mean += (c.mean - cur.mean) * c.weight / (cur.weight + c.weight)
			cur.weight += c.weight
			continue
		}
		wSoFar += cur.weight
		out = append(out, cur)
		limit = total * t.kInverse(t.kScale(wSoFar/total)+1)
		cur = c
	}
	t.centroids = append(out, cur)
}

// Quantile estimates the value at quantile q in [0, 1]. It returns NaN when
// the digest is empty.
func (t *TDigest) Quantile(q float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 || math.IsNaN(q) {
		return math.NaN()
	}
	t.compress()
	if q <= 0 {
		return t.min
	}
	if q >= 1 {
		return t.max
	}
	cs := t.centroids
	if len(cs) == 1 {
		return cs[0].mean
	}
	index := q * t.count
	if index < cs[0].weight/2 {
		return t.min + (cs[0].mean-t.min)*index/(cs[0].weight/2)
	}
	cum := 0.0
	for i := 0; i < len(cs)-1; i++ {
		left := cum + cs[i].weight/2
		right := cum + cs[i].weight + cs[i+1].weight/2
		if index <= right {
			frac := (index - left) / (right - left)
			return cs[i].mean + frac*(cs[i+1].mean-cs[i].mean)
		}
		cum += cs[i].weight
	}
	last := cs[len(cs)-1]
	lastCenter := t.count - last.weight/2
	if t.count == lastCenter {
		return last.mean
	}
	frac := (index - lastCenter) / (t.count - lastCenter)
	return last.mean + frac*(t.max-last.mean)
}

func (t *TDigest) Count() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Centroids reports the number of retained centroids after compression.
func (t *TDigest) Centroids() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compress()
	return len(t.centroids)
}

func (t *TDigest) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.centroids, t.buffer, t.count = nil, nil, 0
	t.min, t.max = math.Inf(1), math.Inf(-1)
}
