package dsl

import "github.com/roach88/vouch/internal/model"

// Leaf is the verdict recorded for one template entry.
type Leaf struct {
	ElementID string
	Outcome   model.Outcome
}

// Decision is the evaluated outcome of one node.
//
// Leaf decisions are identified by the resolved element ID, other nodes
// by their path. Template names the template entry for a leaf and the
// enclosing define or decision otherwise.
type Decision struct {
	ID       string        `json:"eid"`
	Outcome  model.Outcome `json:"result"`
	Template string        `json:"template"`
	Logic    Logic         `json:"logic"`
}

// Evaluate computes the decision tree bottom-up with Kleene logic, so an
// indeterminate leaf stays indeterminate unless the other operands settle
// the result. Decisions are returned in post-order with the root last.
// Each define's own nodes are recorded once, at its first reference. An
// entry missing from leaves is indeterminate.
func (p *Program) Evaluate(leaves map[string]Leaf) (model.Outcome, []Decision) {
	ev := &evaluator{
		program: p,
		leaves:  leaves,
		defines: map[string]model.Outcome{},
	}
	outcome := ev.node(p.Evaluation.Decision, DecisionRoot)
	return outcome, ev.decisions
}

type evaluator struct {
	program   *Program
	leaves    map[string]Leaf
	defines   map[string]model.Outcome
	decisions []Decision
}

func (ev *evaluator) node(n *Node, owner string) model.Outcome {
	if n.IsRef() {
		return ev.ref(n)
	}

	outcomes := make([]model.Outcome, len(n.Children))
	for i, c := range n.Children {
		outcomes[i] = ev.node(c, owner)
	}

	var o model.Outcome
	switch n.Logic {
	case LogicAnd:
		o = model.And(outcomes...)
	case LogicOr:
		o = model.Or(outcomes...)
	case LogicNot:
		o = model.Not(outcomes[0])
	}
	ev.record(n.Path, o, owner, n.Logic)
	return o
}

func (ev *evaluator) ref(n *Node) model.Outcome {
	if def, ok := ev.program.Evaluation.Defines[n.Ref]; ok {
		o, done := ev.defines[n.Ref]
		if !done {
			o = ev.node(def, n.Ref)
			ev.defines[n.Ref] = o
		}
		ev.record(n.Path, o, n.Ref, LogicDefine)
		return o
	}

	leaf, ok := ev.leaves[n.Ref]
	if !ok || !leaf.Outcome.Valid() {
		leaf.Outcome = model.Indeterminate
	}
	id := leaf.ElementID
	if id == "" {
		if entry, found := ev.program.Template.Entry(n.Ref); found {
			id = entry.Element
		}
	}
	ev.record(id, leaf.Outcome, n.Ref, LogicLeaf)
	return leaf.Outcome
}

func (ev *evaluator) record(id string, o model.Outcome, template string, logic Logic) {
	ev.decisions = append(ev.decisions, Decision{ID: id, Outcome: o, Template: template, Logic: logic})
}
