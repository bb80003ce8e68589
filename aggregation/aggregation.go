package aggregation

import (
	"math"
	"sort"

	"github.com/Lekssays/flpoison/graph"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/similarity"
	"github.com/pkg/errors"
)

// Params is the rule-specific parameter bag.
type Params struct {
	// Global is the model every client started the round from. FLTrust and
	// FLTC measure deltas against it; when nil the updates are deltas already.
	Global *model.Model

	// TrimFraction is the fraction k trimmed from each end by T_Mean.
	TrimFraction float64

	// SimilarityThreshold links two clients in FLTC when their delta cosine
	// reaches it.
	SimilarityThreshold float64

	// NormalizeMagnitude rescales FLTrust deltas to the norm of the base delta.
	NormalizeMagnitude bool
}

// Outcome is the detailed result of one aggregation.
type Outcome struct {
	Model *model.Model

	// Weights holds the contribution of each client. T_Mean is coordinate-wise
	// and leaves it nil.
	Weights map[string]float64

	// Excluded lists the clients FLTC left out, sorted.
	Excluded []string

	// Alignment is, per client, the highest delta cosine to any other client.
	// Only FLTC fills it.
	Alignment map[string]float64

	// NoOp is set when FLTrust found no client with positive trust and
	// returned the reference unchanged.
	NoOp bool
}

type input struct {
	ids      []string
	vectors  [][]float64
	manifest model.Manifest
	template *model.Model
	base     []float64
	ref      []float64
}

type combineFunc func(in *input, params Params) (*Outcome, []float64, error)

var rules = map[Rule]combineFunc{
	FedAvg:  fedAvg,
	FLTrust: flTrust,
	TMean:   trimmedMean,
	FLTC:    fltc,
}

// Combine merges client updates into a new global model. base is the
// server-held trusted model and may be nil for rules that do not use it.
func Combine(base *model.Model, updates map[string]*model.Model, rule Rule, params Params) (*model.Model, error) {
	outcome, err := CombineDetailed(base, updates, rule, params)
	if err != nil {
		return nil, err
	}
	return outcome.Model, nil
}

func CombineDetailed(base *model.Model, updates map[string]*model.Model, rule Rule, params Params) (*Outcome, error) {
	fn, ok := rules[rule]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedAggregationRule, "%v", rule)
	}
	if len(updates) == 0 {
		return nil, ErrNoUpdates
	}

	in, err := prepare(base, updates, params)
	if err != nil {
		return nil, err
	}

	if len(in.ids) == 1 {
		return &Outcome{
			Model:   updates[in.ids[0]].Clone(),
			Weights: map[string]float64{in.ids[0]: 1},
		}, nil
	}

	outcome, vector, err := fn(in, params)
	if err != nil {
		return nil, errors.Wrapf(err, "%v", rule)
	}
	outcome.Model, err = model.Unflatten(vector, in.manifest, in.template)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func prepare(base *model.Model, updates map[string]*model.Model, params Params) (*input, error) {
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	in := &input{ids: ids, vectors: make([][]float64, len(ids))}
	for i, id := range ids {
		if updates[id] == nil {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "client %s sent no model", id)
		}
		vector, manifest := model.Flatten(updates[id])
		if i == 0 {
			in.manifest = manifest
			in.template = updates[id]
		} else if !manifest.Equal(in.manifest) {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "client %s: %v vs %v", id, manifest, in.manifest)
		}
		in.vectors[i] = vector
	}

	if base != nil {
		vector, manifest := model.Flatten(base)
		if !manifest.Equal(in.manifest) {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "base: %v vs %v", manifest, in.manifest)
		}
		in.base = vector
	}
	if params.Global != nil {
		vector, manifest := model.Flatten(params.Global)
		if !manifest.Equal(in.manifest) {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "global: %v vs %v", manifest, in.manifest)
		}
		in.ref = vector
	} else {
		in.ref = make([]float64, in.manifest.Size())
	}
	return in, nil
}

func fedAvg(in *input, _ Params) (*Outcome, []float64, error) {
	weights := make(map[string]float64, len(in.ids))
	for _, id := range in.ids {
		weights[id] = 1 / float64(len(in.ids))
	}
	return &Outcome{Weights: weights}, mean(in.vectors), nil
}

func mean(vectors [][]float64) []float64 {
	out := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i := range out {
			out[i] += v[i]
		}
	}
	n := float64(len(vectors))
	for i := range out {
		out[i] /= n
	}
	return out
}

func deltas(vectors [][]float64, ref []float64) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		d := make([]float64, len(v))
		for j := range v {
			d[j] = v[j] - ref[j]
		}
		out[i] = d
	}
	return out
}

func flTrust(in *input, params Params) (*Outcome, []float64, error) {
	if in.base == nil {
		return nil, nil, errors.Wrap(ErrInvalidAggregationConfig, "trusted base model required")
	}
	baseDelta := deltas([][]float64{in.base}, in.ref)[0]
	clientDeltas := deltas(in.vectors, in.ref)
	baseNorm := similarity.Norm(baseDelta)

	trust := make([]float64, len(clientDeltas))
	sum := 0.0
	for i, d := range clientDeltas {
		trust[i] = math.Max(0, similarity.CosineSimilarity(d, baseDelta))
		sum += trust[i]
	}

	weights := make(map[string]float64, len(in.ids))
	out := append([]float64(nil), in.ref...)
	if sum == 0 {
		for _, id := range in.ids {
			weights[id] = 0
		}
		return &Outcome{Weights: weights, NoOp: true}, out, nil
	}

	for i, d := range clientDeltas {
		w := trust[i] / sum
		weights[in.ids[i]] = w
		if w == 0 {
			continue
		}
		scale := 1.0
		if params.NormalizeMagnitude {
			if n := similarity.Norm(d); n > 0 {
				scale = baseNorm / n
			}
		}
		for j := range out {
			out[j] += w * scale * d[j]
		}
	}
	return &Outcome{Weights: weights}, out, nil
}

func trimmedMean(in *input, params Params) (*Outcome, []float64, error) {
	k := params.TrimFraction
	if math.IsNaN(k) || k < 0 || k >= 1 {
		return nil, nil, errors.Wrapf(ErrInvalidAggregationConfig, "trim fraction %v outside [0, 1)", k)
	}
	n := len(in.vectors)
	trim := int(math.Floor(k * float64(n)))
	if n-2*trim <= 0 {
		return nil, nil, errors.Wrapf(ErrInvalidAggregationConfig, "trim fraction %v removes all %d updates", k, n)
	}

	out := make([]float64, in.manifest.Size())
	column := make([]float64, n)
	for j := range out {
		for i, v := range in.vectors {
			column[i] = v[j]
		}
		sort.Float64s(column)
		sum := 0.0
		for _, x := range column[trim : n-trim] {
			sum += x
		}
		out[j] = sum / float64(n-2*trim)
	}
	return &Outcome{}, out, nil
}

func fltc(in *input, params Params) (*Outcome, []float64, error) {
	threshold := params.SimilarityThreshold
	if math.IsNaN(threshold) || threshold < -1 || threshold > 1 {
		return nil, nil, errors.Wrapf(ErrInvalidAggregationConfig, "similarity threshold %v outside [-1, 1]", threshold)
	}

	clientDeltas := deltas(in.vectors, in.ref)
	csMatrix := similarity.Matrix(clientDeltas)

	alignment := make(map[string]float64, len(in.ids))
	for i, score := range similarity.Alignment(csMatrix) {
		alignment[in.ids[i]] = score
	}

	index := make(map[string]int, len(in.ids))
	g := graph.NewGraph()
	for i, id := range in.ids {
		index[id] = i
		g.AddNode(graph.Node{ClientID: id})
	}
	for i := range in.ids {
		for j := i + 1; j < len(in.ids); j++ {
			if csMatrix[i][j] >= threshold {
				g.AddEdge(graph.Node{ClientID: in.ids[i]}, graph.Node{ClientID: in.ids[j]})
			}
		}
	}

	var baseDelta []float64
	if in.base != nil {
		baseDelta = deltas([][]float64{in.base}, in.ref)[0]
	}

	var (
		chosen    []graph.Node
		chosenSim = math.Inf(-1)
	)
	for _, component := range g.Components() {
		if len(component) < len(chosen) {
			continue
		}
		sim := math.Inf(-1)
		if baseDelta != nil {
			sim = similarity.CosineSimilarity(mean(pick(clientDeltas, component, index)), baseDelta)
		}
		// components arrive ordered by smallest client ID, so an equal-sized
		// cluster only wins on strictly higher similarity to the base
		if len(component) > len(chosen) || sim > chosenSim {
			chosen = component
			chosenSim = sim
		}
	}

	members := make(map[string]bool, len(chosen))
	for _, node := range chosen {
		members[node.ClientID] = true
	}
	weights := make(map[string]float64, len(in.ids))
	excluded := make([]string, 0)
	for _, id := range in.ids {
		if members[id] {
			weights[id] = 1 / float64(len(chosen))
		} else {
			weights[id] = 0
			excluded = append(excluded, id)
		}
	}
	return &Outcome{Weights: weights, Excluded: excluded, Alignment: alignment}, mean(pick(in.vectors, chosen, index)), nil
}

func pick(vectors [][]float64, nodes []graph.Node, index map[string]int) [][]float64 {
	out := make([][]float64, len(nodes))
	for i, node := range nodes {
		out[i] = vectors[index[node.ClientID]]
	}
	return out
}
