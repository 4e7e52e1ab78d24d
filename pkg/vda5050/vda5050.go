// Package vda5050 defines the VDA5050 v2 message types exchanged with
// robots over MQTT. Field names follow the protocol exactly, so every
// struct serializes with camelCase keys.
//
// The protocol is specified at
// https://github.com/VDA5050/VDA5050/blob/main/VDA5050_EN.md
package vda5050

import (
	"fmt"
	"time"
)

// Version is the protocol version stamped on outgoing messages.
const Version = "2.0.0"

// SupportedVersions is the semver constraint on inbound state versions.
const SupportedVersions = ">= 2.0.0, < 3.0.0"

// Instant action types understood by the dispatcher.
const (
	ActionCancelOrder = "cancelOrder"
	ActionStartTeleop = "startTeleop"
	ActionStopTeleop  = "stopTeleop"
)

// ActionPauseOrder is the vendor pause action a robot reports while an
// operator holds it. Seeing it run moves the robot into teleoperation.
const ActionPauseOrder = "pause_order"

// BlockingType constrains what a robot may do while an action runs.
type BlockingType string

const (
	// BlockingNone allows driving and other actions.
	BlockingNone BlockingType = "NONE"
	// BlockingSoft allows other actions, but not driving.
	BlockingSoft BlockingType = "SOFT"
	// BlockingHard is the only allowed action at that time.
	BlockingHard BlockingType = "HARD"
)

// ActionStatus describes where in its lifecycle an action is.
type ActionStatus string

const (
	ActionStatusWaiting      ActionStatus = "WAITING"
	ActionStatusInitializing ActionStatus = "INITIALIZING"
	ActionStatusRunning      ActionStatus = "RUNNING"
	ActionStatusPaused       ActionStatus = "PAUSED"
	ActionStatusFinished     ActionStatus = "FINISHED"
	ActionStatusFailed       ActionStatus = "FAILED"
)

// ErrorLevel classifies a robot-reported error.
type ErrorLevel string

const (
	ErrorLevelWarning ErrorLevel = "WARNING"
	ErrorLevelFatal   ErrorLevel = "FATAL"
)

// Header is the common preamble of every VDA5050 message.
type Header struct {
	HeaderID     int    `json:"headerId"`
	Timestamp    string `json:"timestamp"`
	Version      string `json:"version"`
	Manufacturer string `json:"manufacturer"`
	SerialNumber string `json:"serialNumber"`
}

// NewHeader stamps a header with the current time and protocol version.
func NewHeader(headerID int) Header {
	return Header{
		HeaderID:  headerID,
		Timestamp: Timestamp(time.Now()),
		Version:   Version,
	}
}

// Timestamp formats t the way VDA5050 messages carry times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ActionParameter is one key/value pair of an action.
type ActionParameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Action is sent from the server to the robot, either attached to an order
// node or inside an instantActions message.
type Action struct {
	ActionType        string            `json:"actionType"`
	ActionID          string            `json:"actionId"`
	BlockingType      BlockingType      `json:"blockingType"`
	ActionParameters  []ActionParameter `json:"actionParameters"`
	ActionDescription string            `json:"actionDescription,omitempty"`
}

// Param returns the value of the named parameter and whether it is set.
func (a *Action) Param(key string) (string, bool) {
	for _, p := range a.ActionParameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// ActionState reports the progress of one action back to the server.
type ActionState struct {
	ActionID          string       `json:"actionId"`
	ActionType        string       `json:"actionType,omitempty"`
	ActionDescription string       `json:"actionDescription,omitempty"`
	ActionStatus      ActionStatus `json:"actionStatus"`
	ResultDescription string       `json:"resultDescription,omitempty"`
}

// NodePosition locates an order node on a map.
type NodePosition struct {
	X                     float64 `json:"x"`
	Y                     float64 `json:"y"`
	Theta                 float64 `json:"theta"`
	MapID                 string  `json:"mapId"`
	MapDescription        string  `json:"mapDescription,omitempty"`
	AllowedDeviationXY    float64 `json:"allowedDeviationXY"`
	AllowedDeviationTheta float64 `json:"allowedDeviationTheta"`
}

// Node is one goal of an order.
type Node struct {
	NodeID          string        `json:"nodeId"`
	SequenceID      int           `json:"sequenceId"`
	Released        bool          `json:"released"`
	NodePosition    *NodePosition `json:"nodePosition,omitempty"`
	Actions         []Action      `json:"actions"`
	NodeDescription string        `json:"nodeDescription,omitempty"`
}

// NodeState reports one pending order node back to the server.
type NodeState struct {
	NodeID     string        `json:"nodeId"`
	SequenceID int           `json:"sequenceId"`
	Released   bool          `json:"released"`
	Position   *NodePosition `json:"position,omitempty"`
}

// State converts the node into the state entry a robot would report.
func (n Node) State() NodeState {
	return NodeState{
		NodeID:     n.NodeID,
		SequenceID: n.SequenceID,
		Released:   n.Released,
		Position:   n.NodePosition,
	}
}

// Edge is the transition between two order nodes.
type Edge struct {
	EdgeID          string   `json:"edgeId"`
	SequenceID      int      `json:"sequenceId"`
	EdgeDescription string   `json:"edgeDescription,omitempty"`
	Released        bool     `json:"released"`
	StartNodeID     string   `json:"startNodeId"`
	EndNodeID       string   `json:"endNodeId"`
	Actions         []Action `json:"actions"`
}

// EdgeState reports one pending order edge back to the server.
type EdgeState struct {
	EdgeID          string `json:"edgeId"`
	SequenceID      int    `json:"sequenceId"`
	EdgeDescription string `json:"edgeDescription,omitempty"`
	Released        bool   `json:"released"`
}

// State converts the edge into the state entry a robot would report.
func (e Edge) State() EdgeState {
	return EdgeState{
		EdgeID:     e.EdgeID,
		SequenceID: e.SequenceID,
		Released:   e.Released,
	}
}

// AGVPosition is the robot's current localization.
type AGVPosition struct {
	PositionInitialized bool    `json:"positionInitialized"`
	X                   float64 `json:"x"`
	Y                   float64 `json:"y"`
	Theta               float64 `json:"theta"`
	MapID               string  `json:"mapId"`
	DeviationRange      float64 `json:"deviationRange,omitempty"`
}

// BatteryState is the robot's current battery report.
type BatteryState struct {
	BatteryCharge  float64  `json:"batteryCharge"`
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"`
	BatteryHealth  *int     `json:"batteryHealth,omitempty"`
	Charging       bool     `json:"charging"`
	Reach          *int     `json:"reach,omitempty"`
}

// ErrorReference points an error at a node or action of the running order.
type ErrorReference struct {
	ReferenceKey   string `json:"referenceKey"`
	ReferenceValue string `json:"referenceValue"`
}

// Error is a robot-reported error.
type Error struct {
	ErrorType        string           `json:"errorType,omitempty"`
	ErrorReferences  []ErrorReference `json:"errorReferences,omitempty"`
	ErrorDescription string           `json:"errorDescription"`
	ErrorLevel       ErrorLevel       `json:"errorLevel"`
}

// InfoReference points an info entry at a node or action.
type InfoReference struct {
	ReferenceKey   string `json:"referenceKey"`
	ReferenceValue string `json:"referenceValue"`
}

// Info is a robot-reported information entry.
type Info struct {
	InfoType        string          `json:"infoType"`
	InfoReferences  []InfoReference `json:"infoReferences,omitempty"`
	InfoDescription string          `json:"infoDescription"`
	InfoLevel       string          `json:"infoLevel,omitempty"`
}

// InfoTypeUserInfo marks information entries whose description carries a
// JSON payload surfaced on the robot object.
const InfoTypeUserInfo = "user_info"

// Order is sent from the server to the robot.
type Order struct {
	Header
	OrderID       string `json:"orderId"`
	OrderUpdateID int    `json:"orderUpdateId"`
	Nodes         []Node `json:"nodes"`
	Edges         []Edge `json:"edges"`
}

// Validate checks the structural order invariants.
func (o *Order) Validate() error {
	if len(o.Nodes) < 1 {
		return fmt.Errorf("order %s: number of nodes must be >= 1", o.OrderID)
	}
	if want := len(o.Nodes) - 1; len(o.Edges) != want {
		return fmt.Errorf(
			"order %s: there must be exactly one less edge than nodes, got %d nodes and %d edges",
			o.OrderID, len(o.Nodes), len(o.Edges))
	}
	return nil
}

// State is the feedback message a robot publishes on its state topic.
type State struct {
	Header
	OrderID            string        `json:"orderId,omitempty"`
	OrderUpdateID      int           `json:"orderUpdateId,omitempty"`
	LastNodeID         string        `json:"lastNodeId,omitempty"`
	LastNodeSequenceID int           `json:"lastNodeSequenceId,omitempty"`
	NodeStates         []NodeState   `json:"nodeStates"`
	EdgeStates         []EdgeState   `json:"edgeStates"`
	ActionStates       []ActionState `json:"actionStates,omitempty"`
	BatteryState       *BatteryState `json:"batteryState,omitempty"`
	Driving            bool          `json:"driving"`
	AGVPosition        *AGVPosition  `json:"agvPosition,omitempty"`
	Errors             []Error       `json:"errors,omitempty"`
	Information        []Info        `json:"information,omitempty"`
}

// InstantActions is sent from the server to interrupt or augment an
// in-flight order.
type InstantActions struct {
	Header
	InstantActions []Action `json:"instantActions"`
}
