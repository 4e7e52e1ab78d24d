// Package codec translates between the stored mission model and VDA5050
// wire messages: it assembles orders and instant actions for tree leaves
// and folds state feedback back onto mission and robot objects.
package codec

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"fleetd/internal/objects"
	"fleetd/pkg/vda5050"
)

// legacySuffix matches mission name candidates produced by the retired
// whole-mission order id scheme, where node counters preceded sequence
// counters. Such ids are rejected instead of silently mis-parsed.
var legacySuffix = regexp.MustCompile(`-s\d+$`)

// OrderID returns the order id for the mission leaf at the given tree
// index.
func OrderID(mission string, leafIndex int) string {
	return fmt.Sprintf("%s-n%d", mission, leafIndex)
}

// ParseOrderID splits an order id into its mission name and leaf index.
func ParseOrderID(orderID string) (string, int, error) {
	i := strings.LastIndex(orderID, "-n")
	if i < 0 {
		return "", 0, objects.NewProtocolError("order id %q has no node index", orderID)
	}
	mission := orderID[:i]
	index, err := strconv.Atoi(orderID[i+2:])
	if err != nil {
		return "", 0, objects.NewProtocolError("order id %q has a malformed node index", orderID)
	}
	if legacySuffix.MatchString(mission) {
		return "", 0, objects.NewProtocolError("order id %q uses the retired id scheme", orderID)
	}
	return mission, index, nil
}

// InstantActionID returns the id stamped on an instant action. The scope
// is the current mission name, or the robot name when no mission runs.
func InstantActionID(scope string, headerID int) string {
	return fmt.Sprintf("%s-instantaction-n%d", scope, headerID)
}

func nodeID(mission string, leafIndex, sequence int) string {
	return fmt.Sprintf("%s-n%d-s%d", mission, leafIndex, sequence)
}

func edgeID(mission string, sequence int) string {
	return fmt.Sprintf("%s-e%d", mission, sequence)
}

// seedNode anchors every order at the robot's acknowledged position.
func seedNode(robot *objects.Robot, mission string, leafIndex int) vda5050.Node {
	return vda5050.Node{
		NodeID:     nodeID(mission, leafIndex, 0),
		SequenceID: 0,
		Released:   true,
		NodePosition: &vda5050.NodePosition{
			X:     robot.Status.Pose.X,
			Y:     robot.Status.Pose.Y,
			Theta: robot.Status.Pose.Theta,
		},
		Actions: []vda5050.Action{},
	}
}

func waypointNode(pose objects.Pose2D, mission string, sequence, leafIndex int) vda5050.Node {
	return vda5050.Node{
		NodeID:     nodeID(mission, leafIndex, sequence),
		SequenceID: sequence,
		Released:   true,
		NodePosition: &vda5050.NodePosition{
			X:                     pose.X,
			Y:                     pose.Y,
			Theta:                 pose.Theta,
			MapID:                 pose.MapID,
			AllowedDeviationXY:    pose.AllowedDeviationXY,
			AllowedDeviationTheta: pose.AllowedDeviationTheta,
		},
		Actions: []vda5050.Action{},
	}
}

// orderEdge connects the nodes on either side of the given sequence.
func orderEdge(mission string, sequence, leafIndex int) vda5050.Edge {
	return vda5050.Edge{
		EdgeID:      edgeID(mission, sequence),
		SequenceID:  sequence,
		Released:    true,
		StartNodeID: nodeID(mission, leafIndex, sequence-1),
		EndNodeID:   nodeID(mission, leafIndex, sequence+1),
		Actions:     []vda5050.Action{},
	}
}

func missionAction(action *objects.ActionNode, nodeID string, leafIndex int) vda5050.Action {
	keys := make([]string, 0, len(action.ActionParameters))
	for k := range action.ActionParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]vda5050.ActionParameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, vda5050.ActionParameter{
			Key:   k,
			Value: fmt.Sprintf("%v", action.ActionParameters[k]),
		})
	}
	return vda5050.Action{
		ActionType:       action.ActionType,
		ActionID:         fmt.Sprintf("%s-n%d", nodeID, leafIndex),
		BlockingType:     vda5050.BlockingHard,
		ActionParameters: params,
	}
}

// BuildOrder assembles the VDA5050 order for the leaf at the given tree
// index. Only route, move and action leaves translate into orders.
func BuildOrder(mission *objects.Mission, robot *objects.Robot, leafIndex int) (*vda5050.Order, error) {
	if leafIndex < 0 || leafIndex >= len(mission.MissionTree) {
		return nil, objects.NewServerError("mission %s has no node at index %d", mission.Name, leafIndex)
	}
	node := &mission.MissionTree[leafIndex]

	var order *vda5050.Order
	switch node.Type() {
	case objects.NodeTypeRoute:
		order = buildRouteOrder(node.Route, robot, mission.Name, leafIndex)
	case objects.NodeTypeMove:
		order = buildMoveOrder(node.Move, robot, mission.Name, leafIndex)
	case objects.NodeTypeAction:
		order = buildActionOrder(node.Action, robot, mission.Name, leafIndex)
	default:
		return nil, objects.NewServerError(
			"mission node %s of type %s does not translate into an order", node.Name, node.Type())
	}
	if err := order.Validate(); err != nil {
		return nil, objects.NewServerError("assembled invalid order: %v", err)
	}
	return order, nil
}

// buildRouteOrder emits the seed plus one node per waypoint at even
// sequences and one connecting edge per waypoint at odd sequences.
func buildRouteOrder(route *objects.RouteNode, robot *objects.Robot, mission string, leafIndex int) *vda5050.Order {
	nodes := []vda5050.Node{seedNode(robot, mission, leafIndex)}
	edges := []vda5050.Edge{}
	for j, pose := range route.Waypoints {
		nodes = append(nodes, waypointNode(pose, mission, j*2+2, leafIndex))
	}
	for e := range route.Waypoints {
		edges = append(edges, orderEdge(mission, e*2+1, leafIndex))
	}
	return &vda5050.Order{
		OrderID:       OrderID(mission, leafIndex),
		OrderUpdateID: 0,
		Nodes:         nodes,
		Edges:         edges,
	}
}

// buildMoveOrder computes the single target pose relative to the robot's
// current position and emits seed, target and the edge between them.
func buildMoveOrder(move *objects.MoveNode, robot *objects.Robot, mission string, leafIndex int) *vda5050.Order {
	pose := robot.Status.Pose
	target := objects.Pose2D{X: pose.X, Y: pose.Y, Theta: pose.Theta}
	if move.Distance != nil {
		target.X += *move.Distance * math.Cos(pose.Theta)
		target.Y += *move.Distance * math.Sin(pose.Theta)
	} else if move.Rotation != nil {
		target.Theta += *move.Rotation
	}
	return &vda5050.Order{
		OrderID:       OrderID(mission, leafIndex),
		OrderUpdateID: 0,
		Nodes: []vda5050.Node{
			seedNode(robot, mission, leafIndex),
			waypointNode(target, mission, 2, leafIndex),
		},
		Edges: []vda5050.Edge{orderEdge(mission, 1, leafIndex)},
	}
}

// buildActionOrder attaches the action to the seed node and emits no
// edges.
func buildActionOrder(action *objects.ActionNode, robot *objects.Robot, mission string, leafIndex int) *vda5050.Order {
	seed := seedNode(robot, mission, leafIndex)
	seed.Actions = append(seed.Actions, missionAction(action, seed.NodeID, leafIndex))
	return &vda5050.Order{
		OrderID:       OrderID(mission, leafIndex),
		OrderUpdateID: 0,
		Nodes:         []vda5050.Node{seed},
		Edges:         []vda5050.Edge{},
	}
}

// BuildInstantAction wraps a single instant action of the given type.
func BuildInstantAction(scope, actionType string, headerID int) *vda5050.InstantActions {
	return &vda5050.InstantActions{
		Header: vda5050.NewHeader(headerID),
		InstantActions: []vda5050.Action{{
			ActionType:       actionType,
			ActionID:         InstantActionID(scope, headerID),
			BlockingType:     vda5050.BlockingHard,
			ActionParameters: []vda5050.ActionParameter{},
		}},
	}
}
