// Package behavior folds persisted mission node states through the
// mission tree. Control nodes derive their state from their children,
// leaves report whatever state the robot feedback assigned to them, and
// the deepest running leaf is the work the robot executes next. The
// tree itself keeps no state between updates; it is rebuilt from the
// mission record on every feedback message.
package behavior

import (
	"fleetd/internal/objects"
)

// Status is the execution state of a tree node during a tick.
type Status string

const (
	StatusInvalid Status = "INVALID"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// MissionState maps a tick result onto the stored mission state.
func MissionState(s Status) objects.MissionState {
	switch s {
	case StatusSuccess:
		return objects.MissionStateCompleted
	case StatusFailure:
		return objects.MissionStateFailed
	case StatusRunning:
		return objects.MissionStateRunning
	}
	return objects.MissionStatePending
}

// TreeStatus maps a stored node state onto the status a rebuilt tree
// starts from.
func TreeStatus(s objects.MissionState) Status {
	switch s {
	case objects.MissionStateCompleted:
		return StatusSuccess
	case objects.MissionStateRunning:
		return StatusRunning
	case objects.MissionStatePending:
		return StatusInvalid
	}
	return StatusFailure
}

// Node is one element of the folded tree. Index is the node's position
// in the mission tree list, -1 for the implicit root.
type Node struct {
	Name     string
	Index    int
	Kind     objects.NodeType
	Spec     *objects.MissionNode
	Children []*Node

	status Status
}

// Status returns the node's state as of the last tick.
func (n *Node) Status() Status {
	return n.status
}

func (n *Node) control() bool {
	return n.Kind == objects.NodeTypeSequence || n.Kind == objects.NodeTypeSelector
}

// Tree folds one mission's node states.
type Tree struct {
	mission *objects.Mission
	root    *Node
	nodes   map[string]*Node
	tip     *Node
}

// Build assembles the tree for a mission under an implicit root
// sequence and restores every node's status from the persisted node
// states.
func Build(mission *objects.Mission) (*Tree, error) {
	t := &Tree{
		mission: mission,
		root:    &Node{Name: "root", Index: -1, Kind: objects.NodeTypeSequence},
	}
	t.nodes = map[string]*Node{"root": t.root}
	for i := range mission.MissionTree {
		spec := &mission.MissionTree[i]
		parent, ok := t.nodes[spec.Parent]
		if !ok {
			return nil, objects.NewUsageError("Given parent %s does not exist", spec.Parent)
		}
		if !parent.control() {
			return nil, objects.NewUsageError(
				"Mission node %s of type %s cannot have children", parent.Name, parent.Kind)
		}
		node := &Node{Name: spec.Name, Index: i, Kind: spec.Type(), Spec: spec}
		parent.Children = append(parent.Children, node)
		t.nodes[spec.Name] = node
	}
	for name, node := range t.nodes {
		node.status = TreeStatus(t.nodeState(name))
	}
	return t, nil
}

// Node returns the named tree node, nil when absent.
func (t *Tree) Node(name string) *Node {
	return t.nodes[name]
}

// Tip returns the running leaf the last tick stopped at, nil when the
// tree finished or failed outright.
func (t *Tree) Tip() *Node {
	return t.tip
}

func (t *Tree) nodeState(name string) objects.MissionState {
	if entry, ok := t.mission.Status.NodeStatus[name]; ok {
		return entry.State
	}
	return objects.MissionStatePending
}

// Tick folds the current node states bottom up and returns the root
// status. At most one leaf reports running per tick; it becomes the
// tip.
func (t *Tree) Tick() Status {
	t.tip = nil
	return t.tick(t.root)
}

func (t *Tree) tick(n *Node) Status {
	switch n.Kind {
	case objects.NodeTypeSequence:
		n.status = StatusSuccess
		for _, child := range n.Children {
			if st := t.tick(child); st != StatusSuccess {
				n.status = st
				break
			}
		}
	case objects.NodeTypeSelector:
		n.status = StatusFailure
		for _, child := range n.Children {
			if st := t.tick(child); st != StatusFailure {
				n.status = st
				break
			}
		}
	case objects.NodeTypeConstant:
		if n.Spec.Constant.Succeeds() {
			n.status = StatusSuccess
		} else {
			n.status = StatusFailure
		}
	default:
		switch t.nodeState(n.Name) {
		case objects.MissionStateCompleted:
			n.status = StatusSuccess
		case objects.MissionStatePending, objects.MissionStateRunning:
			n.status = StatusRunning
			t.tip = n
		default:
			n.status = StatusFailure
		}
	}
	return n.status
}

// Sync writes the states of control and constant nodes back into the
// mission's node status map. Leaf entries are owned by the feedback
// path and the root entry mirrors the mission state itself, so both
// stay untouched.
func (t *Tree) Sync() {
	for name, node := range t.nodes {
		if node == t.root {
			continue
		}
		if !node.control() && node.Kind != objects.NodeTypeConstant {
			continue
		}
		entry := t.mission.Status.NodeStatus[name]
		state := MissionState(node.status)
		if entry.State == state {
			continue
		}
		entry.State = state
		t.mission.Status.NodeStatus[name] = entry
	}
}
