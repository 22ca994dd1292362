// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package cpu

import (
	"fmt"
	"io"
	"strings"
)

// ProfileTree is the calling-context tree a single profiling session
// accumulates samples into (spec.md section 4.4/4.5). Node identities
// are stable for the session's lifetime: the same call path always
// resolves to the same *ProfileNode, which is what lets StreamPendingTraceEvents
// send each node across the wire exactly once.
type ProfileTree struct {
	root *ProfileNode

	nextNodeID     uint32
	nextFunctionID uint32
	functionIDs    map[*CodeEntry]uint32

	pending []*ProfileNode
}

// NewProfileTree creates a tree with a freshly-minted root node
// attributed to the "(root)" synthetic entry.
func NewProfileTree(synth *SyntheticEntries) *ProfileTree {
	t := &ProfileTree{
		nextNodeID:     2,
		nextFunctionID: 1,
		functionIDs:    make(map[*CodeEntry]uint32),
	}
	t.root = newProfileNode(1, nil, synth.Root)
	return t
}

func (t *ProfileTree) Root() *ProfileNode { return t.root }

func (t *ProfileTree) allocNodeID() uint32 {
	id := t.nextNodeID
	t.nextNodeID++
	return id
}

// GetFunctionID returns a stable id for entry, minting a new one the
// first time entry is seen by this tree. Entries that are not the same
// *CodeEntry pointer but describe the same function per SameFunctionAs
// share an id, the same equivalence findChild uses to merge them into
// one child node.
func (t *ProfileTree) GetFunctionID(entry *CodeEntry) uint32 {
	if id, ok := t.functionIDs[entry]; ok {
		return id
	}
	for other, id := range t.functionIDs {
		if other.SameFunctionAs(entry) {
			t.functionIDs[entry] = id
			return id
		}
	}
	id := t.nextFunctionID
	t.nextFunctionID++
	t.functionIDs[entry] = id
	return id
}

// AddPathFromEnd descends the tree from the root, walking path in
// reverse (path[len(path)-1] is the frame nearest the root, path[0] is
// the sample's top of stack), creating whatever nodes do not exist yet.
// Null entries in path are skipped, matching the sampler's convention
// of leaving a slot empty when a frame could not be resolved at all.
// If updateStats is true the resolved leaf node's self-tick and
// per-line counters are incremented; the last non-null entry visited
// has any pending deopt annotation collected onto that leaf regardless
// of updateStats, matching spec.md section 4.5.
func (t *ProfileTree) AddPathFromEnd(path []*CodeEntry, srcLine int, updateStats bool) *ProfileNode {
	node := t.root
	var lastEntry *CodeEntry

	for i := len(path) - 1; i >= 0; i-- {
		entry := path[i]
		if entry == nil {
			continue
		}
		lastEntry = entry
		node = node.findOrAddChild(entry, t.allocNodeID, &t.pending)
	}

	if lastEntry != nil {
		node.collectDeoptInfo(lastEntry)
	}

	if updateStats {
		node.incrementSelfTicks()
		node.incrementLineTicks(srcLine)
	}

	return node
}

// TakePendingNodes drains and returns the nodes created since the last
// call, in creation order. It is how StreamPendingTraceEvents learns
// which nodes are new to the wire.
func (t *ProfileTree) TakePendingNodes() []*ProfileNode {
	pending := t.pending
	t.pending = nil
	return pending
}

// PendingCount reports how many nodes are waiting to be drained by
// TakePendingNodes, without consuming them.
func (t *ProfileTree) PendingCount() int {
	return len(t.pending)
}

// TreeVisitor receives callbacks from TraverseDepthFirst's non-recursive
// post-order walk.
type TreeVisitor interface {
	BeforeTraversingChild(parent, child *ProfileNode)
	AfterChildTraversed(parent, child *ProfileNode)
	AfterAllChildrenTraversed(node *ProfileNode)
}

type traverseFrame struct {
	node     *ProfileNode
	childIdx int
}

// TraverseDepthFirst walks the tree depth-first without recursion, using
// an explicit stack of (node, next-child-index) frames, matching the
// source's Position-stack traversal in ProfileTree::TraverseDepthFirst.
// This lets the walk run over trees far deeper than the goroutine stack
// would tolerate recursively.
func (t *ProfileTree) TraverseDepthFirst(v TreeVisitor) {
	stack := []traverseFrame{{node: t.root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		children := top.node.childrenList

		if top.childIdx < len(children) {
			child := children[top.childIdx]
			top.childIdx++
			v.BeforeTraversingChild(top.node, child)
			stack = append(stack, traverseFrame{node: child})
			continue
		}

		finished := top.node
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			v.AfterChildTraversed(stack[len(stack)-1].node, finished)
		}
		v.AfterAllChildrenTraversed(finished)
	}
}

// Fprint writes an indented debugging dump of the tree to w, one line per
// node, matching ProfileTree::Print in the original.
func (t *ProfileTree) Fprint(w io.Writer) {
	fprintNode(w, t.root, 0)
}

func fprintNode(w io.Writer, n *ProfileNode, depth int) {
	fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), n.String())
	for _, child := range n.Children() {
		fprintNode(w, child, depth+1)
	}
}
