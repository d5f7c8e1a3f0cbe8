package dsl

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/token"
)

// Logic names the kind of a decision node.
type Logic string

const (
	LogicLeaf   Logic = "leaf"
	LogicDefine Logic = "define"
	LogicAnd    Logic = "and"
	LogicOr     Logic = "or"
	LogicNot    Logic = "not"
)

// Node is one node of a decision tree. A reference node names a template
// entry or a define; the others combine their children.
type Node struct {
	Logic    Logic
	Ref      string
	Children []*Node

	// Path locates the node in its document, e.g. decision/1/0.
	Path string
	Pos  token.Pos
}

// IsRef reports whether the node is a reference.
func (n *Node) IsRef() bool {
	return n.Ref != ""
}

// Evaluation is the decision logic over template entries.
//
//	define: boot: {and: ["E1/P1", "E2/P2"]}
//	decision: {or: ["boot", {not: "E3/P3"}]}
type Evaluation struct {
	Source   string
	Defines  map[string]*Node
	Decision *Node

	// defineOrder keeps declaration order for deterministic reporting.
	defineOrder []string
}

// DecisionRoot is the path of the evaluation's root node.
const DecisionRoot = "decision"

// ParseEvaluation compiles a CUE (or JSON) evaluation document.
func ParseEvaluation(filename string, src []byte) (*Evaluation, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, structural("evaluation", formatCUEError(err))
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, structural("evaluation", formatCUEError(err))
	}

	e := &Evaluation{Source: string(src), Defines: map[string]*Node{}}

	defines := v.LookupPath(cue.ParsePath("define"))
	if defines.Exists() {
		iter, err := defines.Fields()
		if err != nil {
			return nil, structural("evaluation", &CompileError{Field: "define", Message: "define must be a struct", Pos: defines.Pos()})
		}
		for iter.Next() {
			sel := iter.Selector()
			if sel.LabelType() != cue.StringLabel {
				continue
			}
			name := sel.Unquoted()
			node, err := parseNode(iter.Value(), "define/"+name)
			if err != nil {
				return nil, structural("evaluation", err)
			}
			e.Defines[name] = node
			e.defineOrder = append(e.defineOrder, name)
		}
	}

	decision := v.LookupPath(cue.ParsePath(DecisionRoot))
	if !decision.Exists() {
		return nil, structural("evaluation", &CompileError{
			Field:   DecisionRoot,
			Message: "decision is required",
			Pos:     v.Pos(),
		})
	}
	node, err := parseNode(decision, DecisionRoot)
	if err != nil {
		return nil, structural("evaluation", err)
	}
	e.Decision = node
	return e, nil
}

// parseNode reads a reference string or a struct with exactly one of
// and, or, not.
func parseNode(v cue.Value, path string) (*Node, error) {
	switch v.Kind() {
	case cue.StringKind:
		ref, _ := v.String()
		if ref == "" {
			return nil, &CompileError{Field: path, Message: "reference must be non-empty", Pos: v.Pos()}
		}
		return &Node{Ref: ref, Path: path, Pos: v.Pos()}, nil

	case cue.StructKind:
		// handled below

	default:
		return nil, &CompileError{Field: path, Message: fmt.Sprintf("node must be a reference or a struct, got %s", v.Kind()), Pos: v.Pos()}
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var (
		logic Logic
		body  cue.Value
		count int
	)
	for iter.Next() {
		count++
		logic = Logic(iter.Selector().String())
		body = iter.Value()
	}
	if count != 1 {
		return nil, &CompileError{Field: path, Message: "node must have exactly one of and, or, not", Pos: v.Pos()}
	}

	node := &Node{Logic: logic, Path: path, Pos: v.Pos()}
	switch logic {
	case LogicAnd, LogicOr:
		list, err := body.List()
		if err != nil {
			return nil, &CompileError{Field: path + "." + string(logic), Message: "operands must be a list", Pos: body.Pos()}
		}
		for i := 0; list.Next(); i++ {
			child, err := parseNode(list.Value(), fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		if len(node.Children) == 0 {
			return nil, &CompileError{Field: path + "." + string(logic), Message: "at least one operand is required", Pos: body.Pos()}
		}
	case LogicNot:
		child, err := parseNode(body, path+"/0")
		if err != nil {
			return nil, err
		}
		node.Children = []*Node{child}
	default:
		return nil, &CompileError{Field: path, Message: fmt.Sprintf("unknown operator %q", logic), Pos: v.Pos()}
	}
	return node, nil
}
