// Package store provides client access to the REST object store. The
// dispatcher points a Client at the controller surface, commands and
// tools point one at the external surface.
package store

import (
	"context"

	"fleetd/internal/objects"
)

// Store is the dispatcher's view of the object store.
type Store interface {
	GetRobot(ctx context.Context, name string) (*objects.Robot, error)
	GetMission(ctx context.Context, name string) (*objects.Mission, error)

	// UpdateRobotStatus persists the status of robot. Spec fields are
	// never written; the operator owns those.
	UpdateRobotStatus(ctx context.Context, robot *objects.Robot) error
	UpdateMissionStatus(ctx context.Context, mission *objects.Mission) error

	DeleteRobot(ctx context.Context, name string) error
	DeleteMission(ctx context.Context, name string) error

	// WatchRobots streams robot changes, opening with a snapshot of every
	// stored robot. The channel closes when ctx ends. The stream never
	// carries the caller's own writes back.
	WatchRobots(ctx context.Context) <-chan *objects.Robot
	// WatchMissions streams mission changes the same way.
	WatchMissions(ctx context.Context) <-chan *objects.Mission
}
