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
	"strings"

	"github.com/parca-dev/cpuprofile-agent/pkg/profiler"
)

// LineTick is one (line number, tick count) pair reported by
// ProfileNode.LineTicks.
type LineTick struct {
	Line  int
	Ticks uint32
}

// ProfileNode is one node of a ProfileTree's calling-context tree: a
// distinct (call-path, CodeEntry) pair with a stable id that survives
// for the lifetime of the profile it belongs to (spec.md section 4.4).
type ProfileNode struct {
	id     uint32
	parent *ProfileNode
	entry  *CodeEntry

	children     map[*CodeEntry]*ProfileNode
	childrenList []*ProfileNode

	selfTicks uint32
	lineTicks map[int]uint32

	deoptInfos []DeoptInfo
}

func newProfileNode(id uint32, parent *ProfileNode, entry *CodeEntry) *ProfileNode {
	return &ProfileNode{
		id:       id,
		parent:   parent,
		entry:    entry,
		children: make(map[*CodeEntry]*ProfileNode),
	}
}

func (n *ProfileNode) ID() uint32           { return n.id }
func (n *ProfileNode) Parent() *ProfileNode { return n.parent }
func (n *ProfileNode) Entry() *CodeEntry    { return n.entry }
func (n *ProfileNode) SelfTicks() uint32    { return n.selfTicks }
func (n *ProfileNode) Children() []*ProfileNode {
	return n.childrenList
}

// findChild returns the existing child keyed by entry's identity, using
// SameFunctionAs the way the source keys children by GetHash/IsSameFunctionAs
// rather than by name string.
func (n *ProfileNode) findChild(entry *CodeEntry) *ProfileNode {
	if child, ok := n.children[entry]; ok {
		return child
	}
	for candidate, child := range n.children {
		if candidate.SameFunctionAs(entry) {
			return child
		}
	}
	return nil
}

// findOrAddChild returns the child keyed by entry, minting a new node
// (via nextID) and enqueuing it in pending if none exists yet.
func (n *ProfileNode) findOrAddChild(entry *CodeEntry, nextID func() uint32, pending *[]*ProfileNode) *ProfileNode {
	if child := n.findChild(entry); child != nil {
		return child
	}
	child := newProfileNode(nextID(), n, entry)
	n.children[entry] = child
	n.childrenList = append(n.childrenList, child)
	*pending = append(*pending, child)
	return child
}

// incrementSelfTicks bumps the self-tick counter by one.
func (n *ProfileNode) incrementSelfTicks() {
	n.selfTicks++
}

// incrementLineTicks bumps the tick count attributed to line by one. A
// line of profiler.NoLineNumberInfo carries no information and is a
// no-op, matching the source's kNoLineNumberInfo guard.
func (n *ProfileNode) incrementLineTicks(line int) {
	if line == profiler.NoLineNumberInfo {
		return
	}
	if n.lineTicks == nil {
		n.lineTicks = make(map[int]uint32)
	}
	n.lineTicks[line]++
}

// collectDeoptInfo appends entry's pending deopt annotation, if any, to
// this node's history and clears it off entry so it is not attributed
// again on a later sample that happens to revisit the same code object.
func (n *ProfileNode) collectDeoptInfo(entry *CodeEntry) {
	if !entry.HasDeoptInfo() {
		return
	}
	n.deoptInfos = append(n.deoptInfos, entry.DeoptInfo())
	entry.ClearDeoptInfo()
}

// DeoptInfos returns every deopt this node has ever collected.
func (n *ProfileNode) DeoptInfos() []DeoptInfo {
	return n.deoptInfos
}

// LineTicks reports the recorded (line, ticks) pairs sorted by line
// number. The bool return is true even when no line ticks were ever
// recorded (an empty table is a valid result), matching the source's
// GetLineTicks, which only fails when handed a null out-pointer.
func (n *ProfileNode) LineTicks() ([]LineTick, bool) {
	if len(n.lineTicks) == 0 {
		return nil, true
	}
	out := make([]LineTick, 0, len(n.lineTicks))
	for line, ticks := range n.lineTicks {
		out = append(out, LineTick{Line: line, Ticks: ticks})
	}
	sortLineTicks(out)
	return out, true
}

func sortLineTicks(ticks []LineTick) {
	for i := 1; i < len(ticks); i++ {
		for j := i; j > 0 && ticks[j-1].Line > ticks[j].Line; j-- {
			ticks[j-1], ticks[j] = ticks[j], ticks[j-1]
		}
	}
}

// String renders a short debugging line for this node: id, function
// name, and self ticks. It is not part of the streaming wire format.
func (n *ProfileNode) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s self=%d", n.id, n.entry.Name(), n.selfTicks)
	return b.String()
}
