package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"fleetd/internal/objects"
	"fleetd/pkg/vda5050"
)

var versionConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(vda5050.SupportedVersions)
	if err != nil {
		panic(err)
	}
	return c
}()

// CheckVersion rejects state messages whose protocol version falls
// outside the supported range.
func CheckVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return objects.NewProtocolError("unparseable protocol version %q", version)
	}
	if !versionConstraint.Check(v) {
		return objects.NewProtocolError(
			"unsupported protocol version %s, supported range is %s", version, vda5050.SupportedVersions)
	}
	return nil
}

// CurrentOrderNode derives how far the robot has progressed through the
// running order. 0 means the seed node is not confirmed yet; afterwards
// the value is the sequence id of the next expected node.
func CurrentOrderNode(state *vda5050.State) int {
	if state.LastNodeID == "" {
		return 0
	}
	return state.LastNodeSequenceID + 2
}

// ReconcileLeaf maps the feedback of one state message onto the leaf the
// current order was built from. ok is false while the feedback does not
// decide the leaf either way.
func ReconcileLeaf(node *objects.MissionNode, state *vda5050.State) (objects.MissionState, bool) {
	switch node.Type() {
	case objects.NodeTypeRoute:
		if CurrentOrderNode(state) == node.Route.Size()*2+2 {
			return objects.MissionStateCompleted, true
		}
	case objects.NodeTypeMove:
		if CurrentOrderNode(state) == 4 {
			return objects.MissionStateCompleted, true
		}
	case objects.NodeTypeAction:
		if len(state.ActionStates) == 0 {
			return "", false
		}
		switch state.ActionStates[0].ActionStatus {
		case vda5050.ActionStatusFinished:
			return objects.MissionStateCompleted, true
		case vda5050.ActionStatusFailed:
			return objects.MissionStateFailed, true
		}
	}
	return "", false
}

// referenceKeys are the error reference keys that point an error at a
// specific order element.
var referenceKeys = map[string]bool{
	"node_id":   true,
	"nodeId":    true,
	"action_id": true,
	"actionId":  true,
}

// leafIndexFromReference recovers the mission tree index embedded in a
// node or action id, the substring after the last "-n" up to any
// following "-s".
func leafIndexFromReference(value string) (int, bool) {
	i := strings.LastIndex(value, "-n")
	if i < 0 {
		return 0, false
	}
	index := value[i+2:]
	if j := strings.Index(index, "-s"); j >= 0 {
		index = index[:j]
	}
	n, err := strconv.Atoi(index)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ErrorFold summarizes the fatal errors of one state message. Warnings
// never appear here.
type ErrorFold struct {
	// LeafErrors maps mission tree indices to the description of the
	// last fatal error referencing them.
	LeafErrors map[int]string
	// Descriptions collects every fatal description in message order.
	Descriptions []string
	// RobotErrors holds fatal errors that reference no order element,
	// keyed by error type.
	RobotErrors map[string]string
}

// Fatal reports whether the message carried any fatal error.
func (f ErrorFold) Fatal() bool {
	return len(f.Descriptions) > 0
}

// FailureReason joins all fatal descriptions for the mission record.
func (f ErrorFold) FailureReason() string {
	return strings.Join(f.Descriptions, "\n")
}

// FoldErrors folds the fatal errors of a state message onto the mission
// tree leaves they reference. References that do not resolve to a valid
// index within treeSize are skipped.
func FoldErrors(state *vda5050.State, treeSize int) ErrorFold {
	fold := ErrorFold{
		LeafErrors:  map[int]string{},
		RobotErrors: map[string]string{},
	}
	for i, e := range state.Errors {
		if e.ErrorLevel != vda5050.ErrorLevelFatal {
			continue
		}
		fold.Descriptions = append(fold.Descriptions, e.ErrorDescription)
		referenced := false
		for _, ref := range e.ErrorReferences {
			if !referenceKeys[ref.ReferenceKey] {
				continue
			}
			index, ok := leafIndexFromReference(ref.ReferenceValue)
			if !ok || index < 0 || index >= treeSize {
				continue
			}
			referenced = true
			fold.LeafErrors[index] = e.ErrorDescription
		}
		if !referenced {
			key := e.ErrorType
			if key == "" {
				key = fmt.Sprintf("error_%d", i)
			}
			fold.RobotErrors[key] = e.ErrorDescription
		}
	}
	return fold
}

// RobotUpdate is the robot-level content of one state message.
type RobotUpdate struct {
	Pose         *objects.Pose2D
	BatteryLevel *float64
	Charging     bool
	Hardware     objects.HardwareVersion
	InfoMessages map[string]any
	HasInfo      bool
	PauseActive  bool
}

// ParseRobotUpdate extracts pose, battery, hardware identity, user info
// and pause status from a state message.
func ParseRobotUpdate(state *vda5050.State) RobotUpdate {
	u := RobotUpdate{
		Hardware: objects.HardwareVersion{
			Manufacturer: state.Manufacturer,
			SerialNumber: state.SerialNumber,
		},
	}
	if state.AGVPosition != nil {
		u.Pose = &objects.Pose2D{
			X:     state.AGVPosition.X,
			Y:     state.AGVPosition.Y,
			Theta: state.AGVPosition.Theta,
			MapID: state.AGVPosition.MapID,
		}
	}
	if state.BatteryState != nil {
		charge := state.BatteryState.BatteryCharge
		u.BatteryLevel = &charge
		u.Charging = state.BatteryState.Charging
	}
	for _, info := range state.Information {
		if info.InfoType != vda5050.InfoTypeUserInfo {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(info.InfoDescription), &decoded); err == nil {
			u.InfoMessages = decoded
			u.HasInfo = true
		}
		break
	}
	for _, as := range state.ActionStates {
		if as.ActionType != vda5050.ActionPauseOrder {
			continue
		}
		switch as.ActionStatus {
		case vda5050.ActionStatusInitializing, vda5050.ActionStatusRunning, vda5050.ActionStatusPaused:
			u.PauseActive = true
		}
	}
	return u
}

// AckedInstantAction scans action states newest first and reports
// whether the given instant action finished.
func AckedInstantAction(state *vda5050.State, actionID string) bool {
	for i := len(state.ActionStates) - 1; i >= 0; i-- {
		as := state.ActionStates[i]
		if as.ActionID == actionID && as.ActionStatus == vda5050.ActionStatusFinished {
			return true
		}
	}
	return false
}

// SeenAction reports whether the action id appears anywhere in the
// feedback, regardless of status. Unseen instant actions are resent.
func SeenAction(state *vda5050.State, actionID string) bool {
	for _, as := range state.ActionStates {
		if as.ActionID == actionID {
			return true
		}
	}
	return false
}
