package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const eulerGamma = 0.5772156649

// TrainConfig controls isolation forest training.
type TrainConfig struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

// DefaultTrainConfig returns the usual isolation forest settings.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{Trees: 100, SampleSize: 256, Seed: 1}
}

// Node is one node of an isolation tree. Leaves have Left == -1.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

// Tree is an isolation tree stored as a flat node array rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is an isolation forest over domain.NumericFeatureNames.
type Forest struct {
	Features   []string  `json:"features"`
	SampleSize int       `json:"sampleSize"`
	Trees      []Tree    `json:"trees"`
	TrainedAt  time.Time `json:"trainedAt"`

	version string
	norm    float64
}

// Train fits a forest to samples. The same samples and config always yield
// the same forest.
func Train(samples [][]float64, cfg TrainConfig) (*Forest, error) {
	if len(samples) < 2 {
		return nil, errors.New("at least two samples are required")
	}
	dims := len(domain.NumericFeatureNames)
	for i, s := range samples {
		if len(s) != dims {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(s), dims)
		}
		for _, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("sample %d has a non-finite value", i)
			}
		}
	}

	def := DefaultTrainConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.SampleSize > len(samples) {
		cfg.SampleSize = len(samples)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	limit := int(math.Ceil(math.Log2(float64(cfg.SampleSize))))

	f := &Forest{
		Features:   append([]string(nil), domain.NumericFeatureNames...),
		SampleSize: cfg.SampleSize,
		Trees:      make([]Tree, cfg.Trees),
		TrainedAt:  time.Now().UTC(),
	}

	idx := make([]int, len(samples))
	for t := range f.Trees {
		for i := range idx {
			idx[i] = i
		}
		// Partial Fisher-Yates picks SampleSize rows without replacement.
		for i := 0; i < cfg.SampleSize; i++ {
			j := i + rng.IntN(len(idx)-i)
			idx[i], idx[j] = idx[j], idx[i]
		}
		sub := make([][]float64, cfg.SampleSize)
		for i := range sub {
			sub[i] = samples[idx[i]]
		}

		var tree Tree
		grow(&tree, sub, 0, limit, rng)
		f.Trees[t] = tree
	}

	if err := f.init(); err != nil {
		return nil, err
	}
	return f, nil
}

// grow appends the subtree for rows and returns its root index.
func grow(tree *Tree, rows [][]float64, depth, limit int, rng *rand.Rand) int {
	id := len(tree.Nodes)
	tree.Nodes = append(tree.Nodes, Node{Left: -1, Right: -1, Size: len(rows)})

	if depth >= limit || len(rows) <= 1 {
		return id
	}

	// Only features that vary within rows can split them.
	dims := len(rows[0])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo[d], hi[d] = rows[0][d], rows[0][d]
		for _, r := range rows[1:] {
			lo[d] = math.Min(lo[d], r[d])
			hi[d] = math.Max(hi[d], r[d])
		}
		if hi[d] > lo[d] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return id
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := grow(tree, left, depth+1, limit, rng)
	r := grow(tree, right, depth+1, limit, rng)

	tree.Nodes[id].Feature = feature
	tree.Nodes[id].Split = split
	tree.Nodes[id].Left = l
	tree.Nodes[id].Right = r
	return id
}

// avgPathLength is c(n), the mean path length of an unsuccessful search in
// a binary search tree of n items.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func (t *Tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return float64(depth) + avgPathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// ScoreVector returns the anomaly score 2^(-E[h(x)]/c(sampleSize)).
func (f *Forest) ScoreVector(x []float64) (float64, error) {
	if len(x) != len(f.Features) {
		return 0, fmt.Errorf("vector has %d features, model expects %d", len(x), len(f.Features))
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.New("vector has a non-finite value")
		}
	}

	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/f.norm), nil
}

// Score implements Scorer.
func (f *Forest) Score(fv *domain.FeatureVector) (float64, error) {
	s, err := f.ScoreVector(fv.Numeric())
	if err != nil {
		return 0, &domain.ModelUnavailableError{Err: err}
	}
	return s, nil
}

// Version identifies the model by a hash of its trees.
func (f *Forest) Version() string {
	return f.version
}

// init validates the forest and computes derived fields.
func (f *Forest) init() error {
	if len(f.Trees) == 0 {
		return errors.New("model has no trees")
	}
	if len(f.Features) != len(domain.NumericFeatureNames) {
		return fmt.Errorf("model has %d features, expected %d", len(f.Features), len(domain.NumericFeatureNames))
	}
	for i, name := range domain.NumericFeatureNames {
		if f.Features[i] != name {
			return fmt.Errorf("model feature %d is %q, expected %q", i, f.Features[i], name)
		}
	}
	if f.SampleSize < 2 {
		return fmt.Errorf("sample size %d is too small", f.SampleSize)
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left < 0 {
				continue
			}
			// Children always follow their parent, so traversal terminates.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) {
				return fmt.Errorf("tree %d node %d has invalid feature %d", ti, ni, n.Feature)
			}
		}
	}

	f.norm = avgPathLength(f.SampleSize)

	h := xxhash.New()
	for _, t := range f.Trees {
		for _, n := range t.Nodes {
			fmt.Fprintf(h, "%d:%g:%d:%d:%d;", n.Feature, n.Split, n.Left, n.Right, n.Size)
		}
	}
	f.version = fmt.Sprintf("iforest-%016x", h.Sum64())
	return nil
}

// Save writes the model as JSON.
func (f *Forest) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(f)
}

// Load reads and validates a JSON model.
func Load(r io.Reader) (*Forest, error) {
	var f Forest
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := f.init(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &f, nil
}

// LoadFile reads a model from path.
func LoadFile(path string) (*Forest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Load(file)
}
