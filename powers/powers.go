//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

// Package powers builds and evaluates the depth-minimizing addition
// chain ("PowersDag") that the query engine uses to compute every
// power of a query ciphertext required by a batched matching
// polynomial from the smallest number of homomorphic multiplications.
// Each non-source power is assigned two parent powers already present
// in the target set, chosen to minimize the resulting node's depth, so
// that fanning the DAG out level by level keeps every ciphertext
// multiplication at the lowest possible noise budget.
package powers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/markkurossi/apsi/wpool"
	"github.com/markkurossi/text/superscript"
)

// Node is one power in the DAG: Power is computed as
// Parents[0]+Parents[1] (both zero and IsSource true for a source node,
// normally just power 1), at tree depth Depth from the sources.
type Node struct {
	Power    uint32
	Depth    int
	Parents  [2]uint32
	IsSource bool
}

// Dag is a depth-minimizing addition chain over a set of target
// powers, rooted at a set of source powers (normally just {1}, the
// query ciphertext itself).
type Dag struct {
	nodes    map[uint32]*Node
	levels   [][]uint32 // powers grouped by depth, ascending
	maxDepth int
}

// NewDag builds the DAG that reaches every power in target using only
// additions of two powers already reachable, starting from source.
// Every power in source must also appear in target. For each target
// power not already a source, the parent pair (a, b) with a+b == power,
// a <= b, a and b both already in the DAG, is chosen to minimize
// max(depth(a), depth(b))+1, ties broken by the smallest a.
func NewDag(source, target []uint32) (*Dag, error) {
	nodes := make(map[uint32]*Node, len(target))

	sorted := append([]uint32{}, source...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, p := range sorted {
		if p == 0 {
			return nil, fmt.Errorf("powers: source power 0 is invalid")
		}
		if _, ok := nodes[p]; ok {
			continue
		}
		nodes[p] = &Node{Power: p, Depth: 0, IsSource: true}
	}

	sortedTarget := append([]uint32{}, target...)
	sort.Slice(sortedTarget, func(i, j int) bool { return sortedTarget[i] < sortedTarget[j] })

	for _, p := range sortedTarget {
		if p == 0 {
			return nil, fmt.Errorf("powers: target power 0 is invalid")
		}
		if _, ok := nodes[p]; ok {
			continue
		}
		best, err := bestParents(nodes, p)
		if err != nil {
			return nil, err
		}
		nodes[p] = best
	}

	maxDepth := 0
	for _, n := range nodes {
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}
	levels := make([][]uint32, maxDepth+1)
	for _, n := range nodes {
		levels[n.Depth] = append(levels[n.Depth], n.Power)
	}
	for i := range levels {
		sort.Slice(levels[i], func(a, b int) bool { return levels[i][a] < levels[i][b] })
	}

	return &Dag{nodes: nodes, levels: levels, maxDepth: maxDepth}, nil
}

// bestParents finds the depth-minimizing parent pair for power among
// the powers already present in nodes.
func bestParents(nodes map[uint32]*Node, power uint32) (*Node, error) {
	var best *Node
	for a := uint32(1); a*2 <= power; a++ {
		b := power - a
		na, ok := nodes[a]
		if !ok {
			continue
		}
		nb, ok := nodes[b]
		if !ok {
			continue
		}
		depth := na.Depth
		if nb.Depth > depth {
			depth = nb.Depth
		}
		depth++
		if best == nil || depth < best.Depth {
			best = &Node{Power: power, Depth: depth, Parents: [2]uint32{a, b}}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("powers: no reachable parent pair sums to %d", power)
	}
	return best, nil
}

// MaxDepth returns the depth of the deepest node in the DAG.
func (d *Dag) MaxDepth() int {
	return d.maxDepth
}

// Node returns the node for power, if present.
func (d *Dag) Node(power uint32) (Node, bool) {
	n, ok := d.nodes[power]
	if !ok {
		return Node{}, false
	}
	return *n, ok
}

// Powers returns every power in the DAG, source and target alike, in
// ascending order.
func (d *Dag) Powers() []uint32 {
	out := make([]uint32, 0, len(d.nodes))
	for p := range d.nodes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SourcePowers returns the DAG's source powers in ascending order --
// the key set a QueryRequest's power map must match exactly.
func (d *Dag) SourcePowers() []uint32 {
	out := make([]uint32, 0)
	for p, n := range d.nodes {
		if n.IsSource {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParallelApply applies f to every node in the DAG, dispatching one
// depth level at a time across pool so that f never observes a node
// before both of its parents have completed. Within a level, nodes run
// concurrently; levels are processed strictly in increasing depth
// order, mirroring the way circuit/player.go's Garble step fans
// garbled values out to peer goroutines and joins before advancing to
// the next gate layer.
func (d *Dag) ParallelApply(pool *wpool.Pool, f func(Node)) {
	for _, level := range d.levels {
		level := level
		pool.Run(len(level), func(i int) {
			f(*d.nodes[level[i]])
		})
	}
}

// String renders the DAG as one line per depth level, each power shown
// as x^n using superscript digits, for debug logging.
func (d *Dag) String() string {
	var b strings.Builder
	for depth, level := range d.levels {
		fmt.Fprintf(&b, "depth %d:", depth)
		for _, p := range level {
			n := d.nodes[p]
			if n.IsSource {
				fmt.Fprintf(&b, " x%s", superscript.Itoa(int(p)))
			} else {
				fmt.Fprintf(&b, " x%s=x%s*x%s", superscript.Itoa(int(p)),
					superscript.Itoa(int(n.Parents[0])), superscript.Itoa(int(n.Parents[1])))
			}
		}
		if depth != len(d.levels)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
