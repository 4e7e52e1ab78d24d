package objects

import (
	"bytes"
	"encoding/json"
)

// RobotState is the operational state of a robot.
type RobotState string

const (
	RobotStateIdle          RobotState = "IDLE"
	RobotStateOnTask        RobotState = "ON_TASK"
	RobotStateCharging      RobotState = "CHARGING"
	RobotStateMapDeployment RobotState = "MAP_DEPLOYMENT"
	RobotStateTeleop        RobotState = "TELEOP"
)

// Running reports whether the robot is occupied with work.
func (s RobotState) Running() bool {
	switch s {
	case RobotStateOnTask, RobotStateMapDeployment, RobotStateCharging:
		return true
	}
	return false
}

// CanSwitchTeleop reports whether a teleop request is acceptable in this
// state.
func (s RobotState) CanSwitchTeleop() bool {
	switch s {
	case RobotStateIdle, RobotStateOnTask, RobotStateMapDeployment, RobotStateTeleop:
		return true
	}
	return false
}

// CanDeployMap reports whether a map push may start in this state.
func (s RobotState) CanDeployMap() bool {
	return s == RobotStateIdle || s == RobotStateCharging
}

// RobotBattery configures battery thresholds in percent.
type RobotBattery struct {
	CriticalLevel      float64  `json:"critical_level"`
	RecommendedMinimum *float64 `json:"recommended_minimum,omitempty"`
	RecommendedMaximum *float64 `json:"recommended_maximum,omitempty"`
}

// RobotSpec holds the configured properties of a robot.
type RobotSpec struct {
	Labels           []string     `json:"labels"`
	Battery          RobotBattery `json:"battery"`
	HeartbeatTimeout Seconds      `json:"heartbeat_timeout"`
	SwitchTeleop     bool         `json:"switch_teleop"`
}

// SoftwareVersion reports the versions running on the robot.
type SoftwareVersion struct {
	OS  string `json:"os"`
	App string `json:"app"`
}

// HardwareVersion identifies the robot hardware.
type HardwareVersion struct {
	Manufacturer string `json:"manufacturer"`
	SerialNumber string `json:"serial_number"`
}

// Factsheet carries the robot type identity reported over VDA5050.
type Factsheet struct {
	AGVClass string  `json:"agv_class"`
	SpeedMax float64 `json:"speed_max"`
}

// RobotStatus is the observed state of a robot, written by the dispatcher.
type RobotStatus struct {
	Pose            Pose2D            `json:"pose"`
	SoftwareVersion SoftwareVersion   `json:"software_version"`
	HardwareVersion HardwareVersion   `json:"hardware_version"`
	Factsheet       Factsheet         `json:"factsheet"`
	Online          bool              `json:"online"`
	BatteryLevel    float64           `json:"battery_level"`
	State           RobotState        `json:"state"`
	InfoMessages    map[string]any    `json:"info_messages,omitempty"`
	Errors          map[string]string `json:"errors"`
}

// Clone returns a deep copy of the status.
func (s RobotStatus) Clone() RobotStatus {
	out := s
	if s.InfoMessages != nil {
		out.InfoMessages = make(map[string]any, len(s.InfoMessages))
		for k, v := range s.InfoMessages {
			out.InfoMessages[k] = v
		}
	}
	if s.Errors != nil {
		out.Errors = make(map[string]string, len(s.Errors))
		for k, v := range s.Errors {
			out.Errors[k] = v
		}
	}
	return out
}

// Equal reports whether two statuses serialize identically.
func (s RobotStatus) Equal(other RobotStatus) bool {
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

// Robot is a stored robot object. The spec fields sit flattened at the top
// level of the wire form, next to name and lifecycle.
type Robot struct {
	Name string `json:"name"`
	RobotSpec
	Lifecycle Lifecycle   `json:"lifecycle"`
	Status    RobotStatus `json:"status"`
}

// DefaultRobotSpec returns the spec applied when fields are omitted.
func DefaultRobotSpec() RobotSpec {
	return RobotSpec{
		Labels:           []string{},
		Battery:          RobotBattery{CriticalLevel: 10.0},
		HeartbeatTimeout: 30,
	}
}

// NewRobot returns a robot with default spec and an idle status.
func NewRobot(name string) *Robot {
	r := &Robot{
		Name:      name,
		RobotSpec: DefaultRobotSpec(),
		Lifecycle: LifecycleAlive,
	}
	r.normalize()
	return r
}

func (r *Robot) GetName() string { return r.Name }

func (r *Robot) SetName(name string) { r.Name = name }

func (r *Robot) GetLifecycle() Lifecycle { return r.Lifecycle }

func (r *Robot) SetLifecycle(l Lifecycle) { r.Lifecycle = l }

func (r *Robot) GetKind() Kind { return KindRobot }

// Validate checks the spec. Robots have no cross-field constraints.
func (r *Robot) Validate() error {
	if r.HeartbeatTimeout < 0 {
		return NewUsageError("heartbeat_timeout must be >= 0")
	}
	return nil
}

func (r *Robot) normalize() {
	if r.Lifecycle == "" {
		r.Lifecycle = LifecycleAlive
	}
	if r.Labels == nil {
		r.Labels = []string{}
	}
	if r.HeartbeatTimeout == 0 {
		r.HeartbeatTimeout = 30
	}
	if r.Battery.CriticalLevel == 0 {
		r.Battery.CriticalLevel = 10.0
	}
	if r.Status.State == "" {
		r.Status.State = RobotStateIdle
	}
	if r.Status.Errors == nil {
		r.Status.Errors = map[string]string{}
	}
	if r.Status.Factsheet.SpeedMax == 0 {
		r.Status.Factsheet.SpeedMax = -1
	}
}

// TeleopAction selects the direction of a teleop switch.
type TeleopAction string

const (
	TeleopActionStart TeleopAction = "START"
	TeleopActionStop  TeleopAction = "STOP"
)

// Teleop requests the robot to enter or leave teleoperation. The request is
// rejected while the robot is in a state that cannot be interrupted.
func (r *Robot) Teleop(action TeleopAction) error {
	if action != TeleopActionStart && action != TeleopActionStop {
		return NewUsageError("Teleop action must be one of [%s %s]", TeleopActionStart, TeleopActionStop)
	}
	if !r.Status.State.CanSwitchTeleop() {
		return NewUsageError("Robot %s is in %s and request cannot be satisfied.", r.Name, r.Status.State)
	}
	r.SwitchTeleop = action == TeleopActionStart
	return nil
}
