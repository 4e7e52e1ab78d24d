package objects

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MissionState is the completion state of a mission or of one tree node.
type MissionState string

const (
	// MissionStatePending means not yet started.
	MissionStatePending MissionState = "PENDING"
	// MissionStateRunning means accepted and started on the robot.
	MissionStateRunning MissionState = "RUNNING"
	// MissionStateCompleted means finished successfully.
	MissionStateCompleted MissionState = "COMPLETED"
	// MissionStateCanceled means stopped on user request.
	MissionStateCanceled MissionState = "CANCELED"
	// MissionStateFailed means it could not be completed.
	MissionStateFailed MissionState = "FAILED"
)

// Done reports whether the state is terminal.
func (s MissionState) Done() bool {
	switch s {
	case MissionStateCompleted, MissionStateCanceled, MissionStateFailed:
		return true
	}
	return false
}

// FailureCategory describes why a mission failed.
type FailureCategory string

const (
	// FailureCategoryRobotApp means the robot reported the failure.
	FailureCategoryRobotApp FailureCategory = "ROBOT_APP"
	// FailureCategoryTimeout means the mission ran longer than its timeout.
	FailureCategoryTimeout FailureCategory = "TIMEOUT"
	// FailureCategoryDeadline means the mission could not finish before its
	// deadline.
	FailureCategoryDeadline FailureCategory = "DEADLINE"
	// FailureCategoryCanceled means a user canceled the mission.
	FailureCategoryCanceled FailureCategory = "CANCELED"
)

// NodeType names the kind of a mission tree node.
type NodeType string

const (
	NodeTypeSelector NodeType = "selector"
	NodeTypeSequence NodeType = "sequence"
	NodeTypeRoute    NodeType = "route"
	NodeTypeMove     NodeType = "move"
	NodeTypeAction   NodeType = "action"
	NodeTypeNotify   NodeType = "notify"
	NodeTypeConstant NodeType = "constant"
)

var nodeTypes = []NodeType{
	NodeTypeSelector, NodeTypeSequence, NodeTypeRoute, NodeTypeMove,
	NodeTypeAction, NodeTypeNotify, NodeTypeConstant,
}

// RouteNode sends the robot through a series of waypoints.
type RouteNode struct {
	Waypoints []Pose2D `json:"waypoints"`
}

// Size returns the number of waypoints.
func (n *RouteNode) Size() int { return len(n.Waypoints) }

// Validate checks the route has at least one waypoint.
func (n *RouteNode) Validate() error {
	if len(n.Waypoints) < 1 {
		return NewUsageError("Number of waypoints must be >= 1")
	}
	return nil
}

// MoveNode moves the robot a relative distance in meters or rotates it a
// relative angle in radians. Exactly one of the two must be set.
type MoveNode struct {
	Distance *float64 `json:"distance,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// Validate checks that exactly one of distance or rotation is set.
func (n *MoveNode) Validate() error {
	var set []string
	if n.Distance != nil {
		set = append(set, "distance")
	}
	if n.Rotation != nil {
		set = append(set, "rotation")
	}
	if len(set) != 1 {
		return NewUsageError(
			"Exactly one of the following must be set [distance rotation], but the following %d are set %v",
			len(set), set)
	}
	return nil
}

// ActionNode runs a robot-specific action with free-form parameters.
type ActionNode struct {
	ActionType       string         `json:"action_type"`
	ActionParameters map[string]any `json:"action_parameters,omitempty"`
}

// NotifyNode calls an external API when reached.
type NotifyNode struct {
	URL      string         `json:"url"`
	JSONData map[string]any `json:"json_data,omitempty"`
	Timeout  Seconds        `json:"timeout"`
}

// ConstantNode resolves immediately to a fixed result when reached.
type ConstantNode struct {
	Success *bool `json:"success,omitempty"`
}

// Succeeds reports the configured result, defaulting to true.
func (n *ConstantNode) Succeeds() bool {
	return n.Success == nil || *n.Success
}

// ControlNode marks a selector or sequence. It carries no configuration.
type ControlNode struct{}

// MissionNode is one node of the mission tree. Exactly one of the kind
// fields must be set. Parent defaults to the implicit root sequence and
// must name a node appearing earlier in the tree list.
type MissionNode struct {
	Name     string        `json:"name,omitempty"`
	Parent   string        `json:"parent,omitempty"`
	Route    *RouteNode    `json:"route,omitempty"`
	Move     *MoveNode     `json:"move,omitempty"`
	Action   *ActionNode   `json:"action,omitempty"`
	Notify   *NotifyNode   `json:"notify,omitempty"`
	Selector *ControlNode  `json:"selector,omitempty"`
	Sequence *ControlNode  `json:"sequence,omitempty"`
	Constant *ConstantNode `json:"constant,omitempty"`
}

// Type returns the node's kind, or "" when zero or several kinds are set.
func (n *MissionNode) Type() NodeType {
	if len(n.setTypes()) != 1 {
		return ""
	}
	return n.setTypes()[0]
}

func (n *MissionNode) setTypes() []NodeType {
	var set []NodeType
	if n.Selector != nil {
		set = append(set, NodeTypeSelector)
	}
	if n.Sequence != nil {
		set = append(set, NodeTypeSequence)
	}
	if n.Route != nil {
		set = append(set, NodeTypeRoute)
	}
	if n.Move != nil {
		set = append(set, NodeTypeMove)
	}
	if n.Action != nil {
		set = append(set, NodeTypeAction)
	}
	if n.Notify != nil {
		set = append(set, NodeTypeNotify)
	}
	if n.Constant != nil {
		set = append(set, NodeTypeConstant)
	}
	return set
}

// IsControl reports whether the node is a selector or sequence.
func (n *MissionNode) IsControl() bool {
	t := n.Type()
	return t == NodeTypeSelector || t == NodeTypeSequence
}

// Validate checks the node sets exactly one kind and that the kind's own
// constraints hold.
func (n *MissionNode) Validate() error {
	set := n.setTypes()
	if len(set) != 1 {
		return NewUsageError(
			"Exactly one of the following must be set %v, but the following %d are set %v",
			nodeTypes, len(set), set)
	}
	switch set[0] {
	case NodeTypeRoute:
		return n.Route.Validate()
	case NodeTypeMove:
		return n.Move.Validate()
	}
	return nil
}

// MissionSpec assigns a mission tree to a robot.
type MissionSpec struct {
	Robot         string               `json:"robot"`
	MissionTree   []MissionNode        `json:"mission_tree"`
	Timeout       Seconds              `json:"timeout"`
	Deadline      *time.Time           `json:"deadline,omitempty"`
	NeedsCanceled bool                 `json:"needs_canceled"`
	UpdateNodes   map[string]RouteNode `json:"update_nodes,omitempty"`
}

// DefaultMissionSpec returns the placeholder spec used when a deleted
// mission is synthesized for watchers.
func DefaultMissionSpec() MissionSpec {
	return MissionSpec{
		Robot:       "NULL",
		MissionTree: []MissionNode{{Sequence: &ControlNode{}}},
	}
}

// setDefaults assigns index names to unnamed nodes, roots orphan parents
// and fills omitted timeouts.
func (s *MissionSpec) setDefaults() {
	if s.Timeout == 0 {
		s.Timeout = 300
	}
	for i := range s.MissionTree {
		node := &s.MissionTree[i]
		if node.Name == "" {
			node.Name = strconv.Itoa(i)
		}
		if node.Parent == "" {
			node.Parent = "root"
		}
		if node.Notify != nil && node.Notify.Timeout == 0 {
			node.Notify.Timeout = 30
		}
	}
}

// Validate checks the whole tree: at least one node, unique names, parents
// declared before children, one kind per node.
func (s *MissionSpec) Validate() error {
	s.setDefaults()
	if len(s.MissionTree) < 1 {
		return NewUsageError("Number of nodes must be >= 1")
	}
	seen := map[string]bool{"root": true}
	for i := range s.MissionTree {
		node := &s.MissionTree[i]
		if seen[node.Name] {
			return NewUsageError(
				"MissionNode name %s is repeated. All MissionNode names must be unique.", node.Name)
		}
		if !seen[node.Parent] {
			return NewUsageError(
				"MissionNode %q has parent %q which does not appear before it in the mission_tree.",
				node.Name, node.Parent)
		}
		if err := node.Validate(); err != nil {
			return err
		}
		seen[node.Name] = true
	}
	return nil
}

// NodeStatus is the per-node progress entry of the mission status.
type NodeStatus struct {
	State    MissionState `json:"state"`
	ErrorMsg string       `json:"error_msg,omitempty"`
}

// MissionStatus is the progress of a mission, written by the dispatcher.
type MissionStatus struct {
	State           MissionState          `json:"state"`
	CurrentNode     int                   `json:"current_node"`
	NodeStatus      map[string]NodeStatus `json:"node_status"`
	TaskStatus      map[string]int        `json:"task_status"`
	StartTimestamp  *time.Time            `json:"start_timestamp,omitempty"`
	EndTimestamp    *time.Time            `json:"end_timestamp,omitempty"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	FailureCategory FailureCategory       `json:"failure_category,omitempty"`
}

// Clone returns a deep copy of the status.
func (s MissionStatus) Clone() MissionStatus {
	out := s
	if s.NodeStatus != nil {
		out.NodeStatus = make(map[string]NodeStatus, len(s.NodeStatus))
		for k, v := range s.NodeStatus {
			out.NodeStatus[k] = v
		}
	}
	if s.TaskStatus != nil {
		out.TaskStatus = make(map[string]int, len(s.TaskStatus))
		for k, v := range s.TaskStatus {
			out.TaskStatus[k] = v
		}
	}
	if s.StartTimestamp != nil {
		t := *s.StartTimestamp
		out.StartTimestamp = &t
	}
	if s.EndTimestamp != nil {
		t := *s.EndTimestamp
		out.EndTimestamp = &t
	}
	return out
}

// Equal reports whether two statuses serialize identically.
func (s MissionStatus) Equal(other MissionStatus) bool {
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Mission is a stored mission object. The spec fields sit flattened at the
// top level of the wire form, next to name and lifecycle.
type Mission struct {
	Name string `json:"name"`
	MissionSpec
	Lifecycle Lifecycle     `json:"lifecycle"`
	Status    MissionStatus `json:"status"`
}

// NewMission returns a mission in the PENDING state with node status seeded
// for the root and every tree node.
func NewMission(name string, spec MissionSpec) *Mission {
	m := &Mission{
		Name:        name,
		MissionSpec: spec,
		Lifecycle:   LifecycleAlive,
	}
	m.normalize()
	return m
}

func (m *Mission) GetName() string { return m.Name }

func (m *Mission) SetName(name string) { m.Name = name }

func (m *Mission) GetLifecycle() Lifecycle { return m.Lifecycle }

func (m *Mission) SetLifecycle(l Lifecycle) { m.Lifecycle = l }

func (m *Mission) GetKind() Kind { return KindMission }

// Validate checks the spec.
func (m *Mission) Validate() error {
	if m.Robot == "" {
		return NewUsageError("Mission must name a robot")
	}
	return m.MissionSpec.Validate()
}

// normalize assigns default node names and seeds node status entries for
// the root and every named node, preserving persisted entries.
func (m *Mission) normalize() {
	if m.Lifecycle == "" {
		m.Lifecycle = LifecycleAlive
	}
	m.setDefaults()
	if m.Status.State == "" {
		m.Status.State = MissionStatePending
	}
	if m.Status.NodeStatus == nil {
		m.Status.NodeStatus = map[string]NodeStatus{}
	}
	if m.Status.TaskStatus == nil {
		m.Status.TaskStatus = map[string]int{}
	}
	names := []string{"root"}
	for i := range m.MissionTree {
		names = append(names, m.MissionTree[i].Name)
	}
	for _, name := range names {
		if _, ok := m.Status.NodeStatus[name]; !ok {
			m.Status.NodeStatus[name] = NodeStatus{State: MissionStatePending}
		}
	}
}

// Node returns the tree node with the given name, or nil.
func (m *Mission) Node(name string) *MissionNode {
	for i := range m.MissionTree {
		if m.MissionTree[i].Name == name {
			return &m.MissionTree[i]
		}
	}
	return nil
}

// Cancel marks the mission to be canceled by the dispatcher when it is
// able to. Terminal missions reject the request.
func (m *Mission) Cancel() (string, error) {
	if m.Status.State.Done() {
		if m.Status.State == MissionStateCanceled {
			return "", NewUsageError("Mission %s is already canceled.", m.Name)
		}
		return "", NewUsageError("Completed mission %s can't be canceled.", m.Name)
	}
	m.NeedsCanceled = true
	return fmt.Sprintf("Mission %s will be canceled.", m.Name), nil
}

// UpdateRoutes records replacement waypoints for route nodes of a pending
// or running mission. Structural changes require cancel and resubmit.
func (m *Mission) UpdateRoutes(nodes map[string]RouteNode) error {
	if m.Status.State.Done() {
		return NewUsageError("Mission %s is finished with status %s.", m.Name, m.Status.State)
	}
	for name, route := range nodes {
		node := m.Node(name)
		if node == nil {
			return NewUsageError("Node %s does not exist in mission %s", name, m.Name)
		}
		if node.Route == nil {
			return NewUsageError("Node %s in mission %s is not a route node", name, m.Name)
		}
		if m.Status.State == MissionStateRunning && m.Status.NodeStatus[name].State.Done() {
			return NewUsageError(
				"Mission node %s is finished with status %s.", name, m.Status.NodeStatus[name].State)
		}
		if err := route.Validate(); err != nil {
			return err
		}
	}
	m.UpdateNodes = nodes
	return nil
}
