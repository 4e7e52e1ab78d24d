// Package objects defines the stored data model of the fleet: robots,
// missions, their lifecycle, and the static kind registry shared by the
// store server, the store clients and the dispatcher.
package objects

import (
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle tracks an object through soft deletion.
type Lifecycle string

const (
	LifecycleAlive         Lifecycle = "ALIVE"
	LifecyclePendingDelete Lifecycle = "PENDING_DELETE"
	LifecycleDeleted       Lifecycle = "DELETED"
)

// Kind names a registered object type. Kinds double as REST path segments
// and storage table names.
type Kind string

const (
	KindRobot   Kind = "robot"
	KindMission Kind = "mission"
)

// Object is implemented by every stored object.
type Object interface {
	GetName() string
	SetName(name string)
	GetLifecycle() Lifecycle
	SetLifecycle(lifecycle Lifecycle)
	GetKind() Kind
	Validate() error
}

// KindInfo describes one registered kind.
type KindInfo struct {
	Kind Kind
	// New returns an empty object of the kind.
	New func() Object
	// Default returns an object carrying the kind's default spec. Watchers
	// receive such an object when a row is hard deleted.
	Default func(name string) Object
	// SupportsSpecUpdate reports whether PUT on the external API may
	// replace the spec.
	SupportsSpecUpdate bool
	// QueryParams lists the accepted list-filter parameters.
	QueryParams []string
	// Methods lists the POST method endpoints exposed on the external API.
	Methods []string
}

var registry = map[Kind]KindInfo{
	KindRobot: {
		Kind:               KindRobot,
		New:                func() Object { return &Robot{} },
		Default:            func(name string) Object { return NewRobot(name) },
		SupportsSpecUpdate: true,
		QueryParams:        []string{"min_battery", "max_battery", "state", "online", "names", "robot_type"},
		Methods:            []string{"teleop"},
	},
	KindMission: {
		Kind:               KindMission,
		New:                func() Object { return &Mission{} },
		Default:            func(name string) Object { return NewMission(name, DefaultMissionSpec()) },
		SupportsSpecUpdate: false,
		QueryParams:        []string{"state", "started_after", "started_before", "robot", "most_recent"},
		Methods:            []string{"cancel", "update"},
	},
}

// Lookup returns the KindInfo registered under kind.
func Lookup(kind Kind) (KindInfo, bool) {
	info, ok := registry[kind]
	return info, ok
}

// Kinds returns all registered kinds in stable order.
func Kinds() []Kind {
	return []Kind{KindRobot, KindMission}
}

// GenerateName returns a random object name, a lowercase unpadded base32
// encoding of a fresh uuid.
func GenerateName() string {
	id := uuid.New()
	encoded := base32.StdEncoding.EncodeToString(id[:])
	return strings.ToLower(strings.TrimRight(encoded, "="))
}

// Seconds is a duration carried on the wire as a float number of seconds.
type Seconds float64

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Pose2D is a planar pose. The deviation fields keep their VDA5050 casing
// because route waypoints forward them into orders unchanged.
type Pose2D struct {
	X                     float64 `json:"x"`
	Y                     float64 `json:"y"`
	Theta                 float64 `json:"theta"`
	MapID                 string  `json:"map_id"`
	AllowedDeviationXY    float64 `json:"allowedDeviationXY,omitempty"`
	AllowedDeviationTheta float64 `json:"allowedDeviationTheta,omitempty"`
}

// SplitObject splits obj into its spec and status JSON documents. The spec
// is the full object minus name, lifecycle and status.
func SplitObject(obj Object) (spec, status []byte, err error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s: %w", obj.GetKind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("split %s: %w", obj.GetKind(), err)
	}
	status = fields["status"]
	if len(status) == 0 || string(status) == "null" {
		status = []byte("{}")
	}
	delete(fields, "name")
	delete(fields, "lifecycle")
	delete(fields, "status")
	spec, err = json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s spec: %w", obj.GetKind(), err)
	}
	return spec, status, nil
}

// CombineObject fills obj from its stored parts.
func CombineObject(obj Object, name string, lifecycle Lifecycle, spec, status []byte) error {
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, obj); err != nil {
			return fmt.Errorf("decode %s spec: %w", obj.GetKind(), err)
		}
	}
	if len(status) > 0 && string(status) != "null" {
		wrapped := append([]byte(`{"status":`), status...)
		wrapped = append(wrapped, '}')
		if err := json.Unmarshal(wrapped, obj); err != nil {
			return fmt.Errorf("decode %s status: %w", obj.GetKind(), err)
		}
	}
	obj.SetName(name)
	obj.SetLifecycle(lifecycle)
	Normalize(obj)
	return nil
}

// Normalize applies construction-time defaults after decoding.
func Normalize(obj Object) {
	if n, ok := obj.(interface{ normalize() }); ok {
		n.normalize()
	}
}
