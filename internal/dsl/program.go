// Package dsl compiles attestation campaigns: a template naming the
// element/policy pairs to attest and an evaluation combining their
// verdicts with and, or and not.
//
// Both documents are CUE; JSON is accepted since it is valid CUE. All
// structural problems are reported by Load or Compile, before anything is
// attested, as STRUCTURAL_DSL_ERROR.
package dsl

import (
	"fmt"
	"sort"
	"strings"
)

// Program is a validated template and evaluation pair.
type Program struct {
	Template   *Template
	Evaluation *Evaluation

	entries []Entry
}

// Load parses and compiles both documents.
func Load(templateName string, template []byte, evaluationName string, evaluation []byte) (*Program, error) {
	t, err := ParseTemplate(templateName, template)
	if err != nil {
		return nil, err
	}
	e, err := ParseEvaluation(evaluationName, evaluation)
	if err != nil {
		return nil, err
	}
	return Compile(t, e)
}

// Compile checks that every reference resolves to exactly one template
// entry or define and that defines are acyclic.
func Compile(t *Template, e *Evaluation) (*Program, error) {
	for _, name := range e.defineOrder {
		if _, clash := t.index[name]; clash {
			return nil, structural("evaluation", &CompileError{
				Field:   "define/" + name,
				Message: fmt.Sprintf("%q names both a template entry and a define", name),
				Pos:     e.Defines[name].Pos,
			})
		}
	}

	check := func(n *Node) error {
		var err error
		walk(n, func(n *Node) {
			if err != nil || !n.IsRef() {
				return
			}
			_, isEntry := t.index[n.Ref]
			_, isDefine := e.Defines[n.Ref]
			if !isEntry && !isDefine {
				err = &CompileError{Field: n.Path, Message: fmt.Sprintf("unresolved reference %q", n.Ref), Pos: n.Pos}
			}
		})
		return err
	}
	for _, name := range e.defineOrder {
		if err := check(e.Defines[name]); err != nil {
			return nil, structural("evaluation", err)
		}
	}
	if err := check(e.Decision); err != nil {
		return nil, structural("evaluation", err)
	}

	if cycle := findDefineCycle(e); cycle != nil {
		return nil, structural("evaluation", &CompileError{
			Field:   "define/" + cycle[0],
			Message: "cyclic define: " + strings.Join(cycle, " -> "),
			Pos:     e.Defines[cycle[0]].Pos,
		})
	}

	p := &Program{Template: t, Evaluation: e}
	used := map[string]bool{}
	p.collect(e.Decision, used, map[string]bool{})
	for _, entry := range t.Entries {
		if used[entry.Name] {
			p.entries = append(p.entries, entry)
		}
	}
	return p, nil
}

// Entries returns the template entries the evaluation references, in
// template declaration order. Unreferenced entries are not attested.
func (p *Program) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Program) collect(n *Node, used, seenDefines map[string]bool) {
	walk(n, func(n *Node) {
		if !n.IsRef() {
			return
		}
		if def, ok := p.Evaluation.Defines[n.Ref]; ok {
			if !seenDefines[n.Ref] {
				seenDefines[n.Ref] = true
				p.collect(def, used, seenDefines)
			}
			return
		}
		used[n.Ref] = true
	})
}

// walk visits n and its descendants, parents first.
func walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		walk(c, fn)
	}
}

// defineGraph maps each define to the defines it references.
type defineGraph map[string][]string

// findDefineCycle returns one cycle among defines as a closed path, or nil.
func findDefineCycle(e *Evaluation) []string {
	graph := make(defineGraph, len(e.Defines))
	for _, name := range e.defineOrder {
		graph[name] = []string{}
		walk(e.Defines[name], func(n *Node) {
			if _, ok := e.Defines[n.Ref]; ok && n.IsRef() {
				graph[name] = append(graph[name], n.Ref)
			}
		})
	}

	for _, scc := range tarjanSCC(graph, e.defineOrder) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			return cyclePath(scc, graph)
		}
	}
	return nil
}

func hasSelfLoop(node string, graph defineGraph) bool {
	for _, next := range graph[node] {
		if next == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components, visiting roots in the
// given order so results are deterministic.
func tarjanSCC(graph defineGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks the component from its smallest member back to itself.
func cyclePath(scc []string, graph defineGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	sorted := append([]string(nil), scc...)
	sort.Strings(sorted)

	start := sorted[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if members[w] && (w == start || !visited[w]) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
