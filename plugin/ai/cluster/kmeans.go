// Package cluster groups embedded items with Lloyd's k-means over normalized vectors.
package cluster

import (
	"math"
	"math/rand"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/vector"
)

const (
	// DefaultMaxK caps the number of clusters when the caller passes no limit.
	DefaultMaxK = 10
	// DefaultMaxIterations bounds Lloyd's iterations.
	DefaultMaxIterations = 10
	// DefaultEpsilon is the per-component centroid movement below which iteration stops.
	DefaultEpsilon = 1e-10
)

// Item is a vector to cluster.
type Item struct {
	ID     string
	Vector []float32
}

// Cluster is a group of items around a normalized centroid.
type Cluster struct {
	Centroid  []float32 `json:"centroid"`
	MemberIDs []string  `json:"member_ids"`
}

type options struct {
	rng           *rand.Rand
	maxIterations int
	epsilon       float64
}

// Option configures KMeans.
type Option func(*options)

// WithRand sets the random source used to pick seed centroids.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// ChooseK picks the number of clusters for n items.
func ChooseK(n, maxK int) int {
	if maxK < 1 {
		maxK = DefaultMaxK
	}
	var k int
	switch {
	case n <= 2:
		k = 1
	case n <= 5:
		k = 2
	default:
		k = int(math.Floor(math.Sqrt(float64(n) / 2)))
		if k < 2 {
			k = 2
		}
	}
	if k > maxK {
		k = maxK
	}
	if k > n {
		k = n
	}
	return k
}

// KMeans partitions items into at most maxK clusters. Every item lands in exactly
// one returned cluster; clusters left empty are dropped. Members keep input order.
func KMeans(items []Item, maxK int, opts ...Option) ([]Cluster, error) {
	o := options{
		maxIterations: DefaultMaxIterations,
		epsilon:       DefaultEpsilon,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	n := len(items)
	if n == 0 {
		return []Cluster{}, nil
	}

	points := make([][]float32, n)
	dim := len(items[0].Vector)
	for i, item := range items {
		if len(item.Vector) != dim {
			return nil, errors.Wrapf(vector.ErrDimensionMismatch, "item %s has %d dimensions, want %d", item.ID, len(item.Vector), dim)
		}
		points[i] = vector.Normalize(item.Vector)
	}

	k := ChooseK(n, maxK)
	centroids := make([][]float32, k)
	for c := range centroids {
		seed := points[o.rng.Intn(n)]
		centroids[c] = append([]float32(nil), seed...)
	}

	var members []*roaring.Bitmap
	for iter := 0; iter < o.maxIterations; iter++ {
		var err error
		members, err = assign(points, centroids)
		if err != nil {
			return nil, err
		}

		changed := false
		for c := range centroids {
			if members[c].IsEmpty() {
				continue
			}
			next, err := vector.Centroid(gather(points, members[c]))
			if err != nil {
				return nil, err
			}
			if moved(centroids[c], next, o.epsilon) {
				changed = true
			}
			centroids[c] = next
		}
		if !changed {
			break
		}
	}

	clusters := make([]Cluster, 0, k)
	for c, m := range members {
		if m.IsEmpty() {
			continue
		}
		ids := make([]string, 0, m.GetCardinality())
		it := m.Iterator()
		for it.HasNext() {
			ids = append(ids, items[it.Next()].ID)
		}
		clusters = append(clusters, Cluster{Centroid: centroids[c], MemberIDs: ids})
	}
	return clusters, nil
}

// assign puts every point in the bitmap of its nearest centroid. Ties go to the lower index.
func assign(points, centroids [][]float32) ([]*roaring.Bitmap, error) {
	members := make([]*roaring.Bitmap, len(centroids))
	for c := range members {
		members[c] = roaring.New()
	}
	for i, p := range points {
		best, bestDist := 0, math.Inf(1)
		for c, centroid := range centroids {
			d, err := vector.Euclidean(p, centroid)
			if err != nil {
				return nil, err
			}
			if d < bestDist {
				best, bestDist = c, d
			}
		}
		members[best].Add(uint32(i))
	}
	return members, nil
}

func gather(points [][]float32, m *roaring.Bitmap) [][]float32 {
	out := make([][]float32, 0, m.GetCardinality())
	it := m.Iterator()
	for it.HasNext() {
		out = append(out, points[it.Next()])
	}
	return out
}

func moved(a, b []float32, eps float64) bool {
	for i := range a {
		if math.Abs(float64(a[i])-float64(b[i])) > eps {
			return true
		}
	}
	return false
}
