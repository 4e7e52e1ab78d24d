package store

import (
	"context"
	"encoding/json"
	"sync"

	"fleetd/internal/objects"
)

// Memory is an in-process Store used by tests and the robot simulator.
// It mimics the server's watch contract: subscribers first receive a
// snapshot of every stored object, then live updates. Writes through the
// Store interface are not echoed back to watchers; writes through Put
// are, standing in for another party changing the store.
type Memory struct {
	mu          sync.Mutex
	robots      map[string]*objects.Robot
	missions    map[string]*objects.Mission
	robotSubs   map[chan *objects.Robot]struct{}
	missionSubs map[chan *objects.Mission]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		robots:      make(map[string]*objects.Robot),
		missions:    make(map[string]*objects.Mission),
		robotSubs:   make(map[chan *objects.Robot]struct{}),
		missionSubs: make(map[chan *objects.Mission]struct{}),
	}
}

// Clones go through the wire form so Memory behaves like the HTTP client:
// no aliasing between what callers hold and what the store holds.
func cloneRobot(robot *objects.Robot) *objects.Robot {
	data, err := json.Marshal(robot)
	if err != nil {
		panic(err)
	}
	var out objects.Robot
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	objects.Normalize(&out)
	return &out
}

func cloneMission(mission *objects.Mission) *objects.Mission {
	data, err := json.Marshal(mission)
	if err != nil {
		panic(err)
	}
	var out objects.Mission
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	objects.Normalize(&out)
	return &out
}

// PutRobot stores a robot and notifies watchers, like an operator write
// through the external API.
func (s *Memory) PutRobot(robot *objects.Robot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneRobot(robot)
	s.robots[clone.Name] = clone
	for ch := range s.robotSubs {
		select {
		case ch <- cloneRobot(clone):
		default:
		}
	}
}

// PutMission stores a mission and notifies watchers.
func (s *Memory) PutMission(mission *objects.Mission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneMission(mission)
	s.missions[clone.Name] = clone
	for ch := range s.missionSubs {
		select {
		case ch <- cloneMission(clone):
		default:
		}
	}
}

func (s *Memory) GetRobot(_ context.Context, name string) (*objects.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	robot, ok := s.robots[name]
	if !ok {
		return nil, objects.NewNotFoundError(objects.KindRobot, name)
	}
	return cloneRobot(robot), nil
}

func (s *Memory) GetMission(_ context.Context, name string) (*objects.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mission, ok := s.missions[name]
	if !ok {
		return nil, objects.NewNotFoundError(objects.KindMission, name)
	}
	return cloneMission(mission), nil
}

func (s *Memory) UpdateRobotStatus(_ context.Context, robot *objects.Robot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.robots[robot.Name]
	if !ok {
		return objects.NewNotFoundError(objects.KindRobot, robot.Name)
	}
	current.Status = robot.Status.Clone()
	return nil
}

func (s *Memory) UpdateMissionStatus(_ context.Context, mission *objects.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.missions[mission.Name]
	if !ok {
		return objects.NewNotFoundError(objects.KindMission, mission.Name)
	}
	current.Status = mission.Status.Clone()
	return nil
}

func (s *Memory) DeleteRobot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.robots[name]; !ok {
		return objects.NewNotFoundError(objects.KindRobot, name)
	}
	delete(s.robots, name)
	return nil
}

func (s *Memory) DeleteMission(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[name]; !ok {
		return objects.NewNotFoundError(objects.KindMission, name)
	}
	delete(s.missions, name)
	return nil
}

func (s *Memory) WatchRobots(ctx context.Context) <-chan *objects.Robot {
	ch := make(chan *objects.Robot, watchBuffer*4)
	s.mu.Lock()
	for _, robot := range s.robots {
		ch <- cloneRobot(robot)
	}
	s.robotSubs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.robotSubs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Memory) WatchMissions(ctx context.Context) <-chan *objects.Mission {
	ch := make(chan *objects.Mission, watchBuffer*4)
	s.mu.Lock()
	for _, mission := range s.missions {
		ch <- cloneMission(mission)
	}
	s.missionSubs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.missionSubs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
