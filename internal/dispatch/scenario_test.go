package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetd/internal/objects"
	"fleetd/internal/store"
	"fleetd/pkg/vda5050"
)

func TestMissionRunsToCompletion(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(routeMission("m1", "r1",
		objects.Pose2D{X: 2, Y: 0}, objects.Pose2D{X: 2, Y: 2}, objects.Pose2D{X: 5, Y: 5}))

	m := f.waitMission("m1", objects.MissionStateCompleted)
	require.Equal(t, objects.MissionStateCompleted, m.Status.NodeStatus["go"].State)
	require.Equal(t, objects.MissionStateCompleted, m.Status.NodeStatus["root"].State)
	require.NotNil(t, m.Status.StartTimestamp)
	require.NotNil(t, m.Status.EndTimestamp)
	require.Equal(t, 0, m.Status.CurrentNode)
	require.Empty(t, m.Status.FailureReason)
	require.Empty(t, m.Status.FailureCategory)

	r := f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle && r.Status.Online
	})
	require.InDelta(t, 5.0, r.Status.Pose.X, arriveThreshold)
	require.InDelta(t, 5.0, r.Status.Pose.Y, arriveThreshold)
	require.Equal(t, "map-1", r.Status.Pose.MapID)
	require.InDelta(t, 80.0, r.Status.BatteryLevel, 0.01)

	requireMonotone(t, f.fleet.headerIDs(vda5050.OrderTopic(testPrefix, "r1")))
}

func TestFailurePeriodAlternates(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5, failEvery: 2})

	target := objects.Pose2D{X: 2, Y: 2}
	for _, name := range []string{"m1", "m2", "m3", "m4"} {
		f.mem.PutMission(routeMission(name, "r1", target))
	}

	f.waitMission("m1", objects.MissionStateCompleted)
	m2 := f.waitMission("m2", objects.MissionStateFailed)
	f.waitMission("m3", objects.MissionStateCompleted)
	m4 := f.waitMission("m4", objects.MissionStateFailed)

	for _, m := range []*objects.Mission{m2, m4} {
		require.Equal(t, "Failure period reached", m.Status.FailureReason)
		require.Equal(t, objects.FailureCategoryRobotApp, m.Status.FailureCategory)
		require.Equal(t, objects.MissionStateFailed, m.Status.NodeStatus["go"].State)
		require.Equal(t, "Failure period reached", m.Status.NodeStatus["go"].ErrorMsg)
	}
}

func TestSelectorFallsBackAfterActionFailure(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(objects.NewMission("m1", objects.MissionSpec{
		Robot: "r1",
		MissionTree: []objects.MissionNode{
			{Name: "recover", Selector: &objects.ControlNode{}},
			{Name: "try", Parent: "recover", Action: &objects.ActionNode{
				ActionType:       "pick",
				ActionParameters: map[string]any{"should_fail": "true"},
			}},
			{Name: "fallback", Parent: "recover", Route: &objects.RouteNode{
				Waypoints: []objects.Pose2D{{X: 1, Y: 1}},
			}},
		},
	}))

	m := f.waitMission("m1", objects.MissionStateCompleted)
	require.Equal(t, objects.MissionStateFailed, m.Status.NodeStatus["try"].State)
	require.Equal(t, objects.MissionStateCompleted, m.Status.NodeStatus["fallback"].State)
	require.Equal(t, objects.MissionStateCompleted, m.Status.NodeStatus["recover"].State)
	require.Empty(t, m.Status.FailureReason)

	r := f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})
	require.InDelta(t, 1.0, r.Status.Pose.X, arriveThreshold)
	require.InDelta(t, 1.0, r.Status.Pose.Y, arriveThreshold)
}

func TestCancelRunningMissionAndContinueQueue(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.2})

	f.mem.PutMission(routeMission("m1", "r1", objects.Pose2D{X: 100, Y: 0}))
	f.mem.PutMission(routeMission("m2", "r1", objects.Pose2D{X: 3, Y: 3}))
	f.waitMission("m1", objects.MissionStateRunning)

	m, err := f.mem.GetMission(context.Background(), "m1")
	require.NoError(t, err)
	msg, err := m.Cancel()
	require.NoError(t, err)
	require.Contains(t, msg, "will be canceled")
	f.mem.PutMission(m)

	m1 := f.waitMission("m1", objects.MissionStateCanceled)
	require.Equal(t, objects.FailureCategoryCanceled, m1.Status.FailureCategory)
	require.NotNil(t, m1.Status.StartTimestamp)
	require.NotNil(t, m1.Status.EndTimestamp)
	require.Equal(t, objects.MissionStateCanceled, m1.Status.NodeStatus["go"].State)
	require.Equal(t, objects.MissionStateCanceled, m1.Status.NodeStatus["root"].State)

	f.waitMission("m2", objects.MissionStateCompleted)
	r := f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})
	require.InDelta(t, 3.0, r.Status.Pose.X, arriveThreshold)
	require.InDelta(t, 3.0, r.Status.Pose.Y, arriveThreshold)

	requireMonotone(t, f.fleet.headerIDs(vda5050.OrderTopic(testPrefix, "r1")))
	ia := f.fleet.headerIDs(vda5050.InstantActionsTopic(testPrefix, "r1"))
	require.NotEmpty(t, ia)
	requireMonotone(t, ia)
}

func TestRouteUpdateRedirectsRunningMission(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(routeMission("m1", "r1", objects.Pose2D{X: 50, Y: 50}))
	f.waitMission("m1", objects.MissionStateRunning)

	m, err := f.mem.GetMission(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateRoutes(map[string]objects.RouteNode{
		"go": {Waypoints: []objects.Pose2D{{X: 2, Y: 2}}},
	}))
	f.mem.PutMission(m)

	done := f.waitMission("m1", objects.MissionStateCompleted)
	require.Equal(t, objects.MissionStateCompleted, done.Status.NodeStatus["go"].State)

	r := f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})
	require.InDelta(t, 2.0, r.Status.Pose.X, arriveThreshold)
	require.InDelta(t, 2.0, r.Status.Pose.Y, arriveThreshold)

	// The rewrite cancels the in-flight order and sends the route again.
	orders := f.fleet.headerIDs(vda5050.OrderTopic(testPrefix, "r1"))
	require.GreaterOrEqual(t, len(orders), 2)
	requireMonotone(t, orders)
	require.NotEmpty(t, f.fleet.headerIDs(vda5050.InstantActionsTopic(testPrefix, "r1")))
}

func TestNotifyDelivers(t *testing.T) {
	var calls atomic.Int32
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		gotBody.Store(string(body))
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(objects.NewMission("m1", objects.MissionSpec{
		Robot: "r1",
		MissionTree: []objects.MissionNode{{
			Name: "ping",
			Notify: &objects.NotifyNode{
				URL:      srv.URL,
				JSONData: map[string]any{"event": "arrived"},
				Timeout:  2,
			},
		}},
	}))

	m := f.waitMission("m1", objects.MissionStateCompleted)
	require.Equal(t, objects.MissionStateCompleted, m.Status.NodeStatus["ping"].State)
	require.NotNil(t, m.Status.StartTimestamp)
	require.NotNil(t, m.Status.EndTimestamp)
	require.EqualValues(t, 1, calls.Load())
	require.JSONEq(t, `{"event":"arrived"}`, gotBody.Load().(string))
}

func TestNotifyFailureFailsMission(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(objects.NewMission("m1", objects.MissionSpec{
		Robot: "r1",
		MissionTree: []objects.MissionNode{{
			Name:   "ping",
			Notify: &objects.NotifyNode{URL: srv.URL, Timeout: 2},
		}},
	}))

	m := f.waitMission("m1", objects.MissionStateFailed)
	require.Equal(t, objects.FailureCategoryRobotApp, m.Status.FailureCategory)
	require.Equal(t, objects.MissionStateFailed, m.Status.NodeStatus["ping"].State)
	require.Equal(t, "Notify request failed", m.Status.NodeStatus["ping"].ErrorMsg)
	require.EqualValues(t, 1+notifyRetries, calls.Load())
}

func TestMissionTimeoutFailsRunningMission(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0}) // never arrives

	f.mem.PutMission(objects.NewMission("m1", objects.MissionSpec{
		Robot:   "r1",
		Timeout: 0.3,
		MissionTree: []objects.MissionNode{{
			Name:  "go",
			Route: &objects.RouteNode{Waypoints: []objects.Pose2D{{X: 10, Y: 10}}},
		}},
	}))

	m := f.waitMission("m1", objects.MissionStateFailed)
	require.Equal(t, "Mission timed out", m.Status.FailureReason)
	require.Equal(t, objects.FailureCategoryTimeout, m.Status.FailureCategory)
	require.NotNil(t, m.Status.EndTimestamp)

	f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})
}

func TestUnsupportedProtocolVersionStillProcessed(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5, version: "3.1.0"})

	r := f.waitRobot("r1", func(r *objects.Robot) bool { return r.Status.Online })
	require.InDelta(t, 80.0, r.Status.BatteryLevel, 0.01)

	f.mem.PutMission(routeMission("m1", "r1", objects.Pose2D{X: 2, Y: 2}))
	f.waitMission("m1", objects.MissionStateCompleted)

	r = f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})
	require.InDelta(t, 2.0, r.Status.Pose.X, arriveThreshold)
	require.InDelta(t, 2.0, r.Status.Pose.Y, arriveThreshold)
}

func TestRobotOfflineOnlineTracking(t *testing.T) {
	f := newFixture(t, Options{Prefix: testPrefix})
	f.putRobot("r1", 0.15)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.waitRobot("r1", func(r *objects.Robot) bool { return r.Status.Online })

	f.fleet.pause("r1")
	f.waitRobot("r1", func(r *objects.Robot) bool { return !r.Status.Online })

	f.fleet.resume("r1")
	f.waitRobot("r1", func(r *objects.Robot) bool { return r.Status.Online })
}

func TestNoWritesAfterEverythingSettled(t *testing.T) {
	var cs *countingStore
	f := newFixtureWith(t, func(m *store.Memory) store.Store {
		cs = &countingStore{Memory: m}
		return cs
	}, Options{Prefix: testPrefix})
	f.putRobot("r1", 5)
	f.fleet.add(simConfig{name: "r1", speed: 0.5})

	f.mem.PutMission(routeMission("m1", "r1", objects.Pose2D{X: 2, Y: 2}))
	f.waitMission("m1", objects.MissionStateCompleted)
	f.waitRobot("r1", func(r *objects.Robot) bool {
		return r.Status.State == objects.RobotStateIdle
	})

	// Let the trailing writes land, then verify that replayed identical
	// feedback causes no further store traffic.
	time.Sleep(200 * time.Millisecond)
	missions := cs.missionWrites.Load()
	robots := cs.robotWrites.Load()
	orders := len(f.fleet.headerIDs(vda5050.OrderTopic(testPrefix, "r1")))

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, missions, cs.missionWrites.Load())
	require.Equal(t, robots, cs.robotWrites.Load())
	require.Equal(t, orders, len(f.fleet.headerIDs(vda5050.OrderTopic(testPrefix, "r1"))))

	// The robot kept publishing the whole time.
	r := f.waitRobot("r1", func(r *objects.Robot) bool { return r.Status.Online })
	require.Equal(t, objects.RobotStateIdle, r.Status.State)
}
