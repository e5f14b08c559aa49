package workflow

import (
	"sort"

	"github.com/stepforge/kernel/internal/kernelerrors"
)

// PlanNode is one step's position in the resolved DAG: its predecessors
// and successors by ID, and its topological rank (spec §4.2, "Planner").
type PlanNode struct {
	Step  *Step
	Preds []string
	Succs []string
	Rank  int
}

// RunPlan is the Planner's output: a validated, ranked DAG over a
// workflow's steps (spec §4.2). Ranks are assigned so that every
// predecessor has a strictly smaller rank than its successors, with
// ties broken lexicographically by step ID for a fully deterministic
// ordering (spec §4.2 invariant: "plan order is a deterministic
// function of the workflow document alone").
type RunPlan struct {
	Roots []string
	Nodes map[string]*PlanNode
	Order []string // all step IDs in rank order, ties broken by ID
}

// Plan builds a RunPlan from a loaded, normalized Workflow. Grounded on
// the teacher's DAGValidator (internal/pipeline/dag.go): ValidateDAG's
// duplicate/unknown-reference checks and detectCycle's DFS-with-stack
// cycle detector, generalized here to also assign an explicit
// topological rank used by the Executor's readiness and worker-pool
// ordering (spec §4.2, §5).
func Plan(wf *Workflow) (*RunPlan, error) {
	nodes := make(map[string]*PlanNode, len(wf.Steps))
	for i := range wf.Steps {
		s := &wf.Steps[i]
		nodes[s.ID] = &PlanNode{Step: s}
	}

	for _, node := range nodes {
		for _, dep := range node.Step.DependsOn {
			pred, ok := nodes[dep]
			if !ok {
				return nil, kernelerrors.Newf(kernelerrors.PlanError,
					"step %q depends_on unknown step %q", node.Step.ID, dep)
			}
			node.Preds = append(node.Preds, dep)
			pred.Succs = append(pred.Succs, node.Step.ID)
		}
	}

	if err := detectCycle(nodes); err != nil {
		return nil, err
	}

	assignRanks(nodes)

	var roots []string
	for id, node := range nodes {
		if len(node.Preds) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	order := make([]string, 0, len(nodes))
	for id := range nodes {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		ni, nj := nodes[order[i]], nodes[order[j]]
		if ni.Rank != nj.Rank {
			return ni.Rank < nj.Rank
		}
		return order[i] < order[j]
	})

	return &RunPlan{Roots: roots, Nodes: nodes, Order: order}, nil
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// detectCycle runs a DFS with a three-color marking scheme (white:
// unvisited, gray: on the current recursion stack, black: finished).
// A gray node reached again means a back edge, i.e. a cycle.
func detectCycle(nodes map[string]*PlanNode) error {
	color := make(map[string]int, len(nodes))

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		stack = append(stack, id)

		succs := append([]string(nil), nodes[id].Succs...)
		sort.Strings(succs)
		for _, next := range succs {
			switch color[next] {
			case colorWhite:
				if err := visit(next); err != nil {
					return err
				}
			case colorGray:
				return kernelerrors.Newf(kernelerrors.PlanError,
					"dependency cycle detected involving step %q", next)
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// assignRanks computes the longest-path-from-a-root rank for every
// node via repeated relaxation in ID order, so the result is
// independent of map iteration order.
func assignRanks(nodes map[string]*PlanNode) {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	changed := true
	for changed {
		changed = false
		for _, id := range ids {
			node := nodes[id]
			want := 0
			for _, p := range node.Preds {
				if r := nodes[p].Rank + 1; r > want {
					want = r
				}
			}
			if want != node.Rank {
				node.Rank = want
				changed = true
			}
		}
	}
}
