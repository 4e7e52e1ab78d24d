package dispatch

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetd/internal/broker"
	"fleetd/internal/objects"
	"fleetd/internal/store"
	"fleetd/pkg/vda5050"
)

const (
	testPrefix = "uagv/v2/Test"

	// simTick is how often a simulated robot moves and publishes state.
	simTick = 4 * time.Millisecond

	// arriveThreshold is the distance at which a simulated robot counts
	// an order node as reached.
	arriveThreshold = 0.05

	waitTimeout = 10 * time.Second
	pollEvery   = 5 * time.Millisecond
)

// simConfig shapes one simulated robot.
type simConfig struct {
	name  string
	speed float64 // meters per tick, 0 never arrives anywhere
	// failEvery answers every Nth received order with a fatal error
	// instead of executing it. 0 disables.
	failEvery int
	mapID     string
	startX    float64
	startY    float64
	// version overrides the protocol version stamped on state messages.
	version string
}

// simRobot answers orders and instant actions the way a robot vendor
// stack would: it confirms order nodes as it reaches them, finishes or
// fails attached actions, acks instant actions and publishes its state
// every tick.
type simRobot struct {
	t      *testing.T
	cfg    simConfig
	fake   *broker.Fake
	inbox  chan broker.Message
	paused atomic.Bool

	// owned by the run goroutine
	headerID     int
	x, y         float64
	orderID      string
	canceled     bool
	targets      []vda5050.Node
	pendingActs  []vda5050.Action
	lastNodeID   string
	lastNodeSeq  int
	actionStates []vda5050.ActionState
	errors       []vda5050.Error
	ordersSeen   int
}

func (r *simRobot) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(simTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.handle(msg)
		case <-ticker.C:
			if r.paused.Load() {
				continue
			}
			r.tick()
			r.publish()
		}
	}
}

func (r *simRobot) handle(msg broker.Message) {
	switch {
	case strings.HasSuffix(msg.Topic, "/order"):
		var order vda5050.Order
		if err := json.Unmarshal(msg.Payload, &order); err != nil {
			r.t.Errorf("sim %s: bad order payload: %v", r.cfg.name, err)
			return
		}
		r.acceptOrder(&order)
	case strings.HasSuffix(msg.Topic, "/instantActions"):
		var ia vda5050.InstantActions
		if err := json.Unmarshal(msg.Payload, &ia); err != nil {
			r.t.Errorf("sim %s: bad instant actions payload: %v", r.cfg.name, err)
			return
		}
		r.acceptInstantActions(&ia)
	}
}

func (r *simRobot) acceptOrder(order *vda5050.Order) {
	// A repeated order id is a retransmission and is dropped, unless the
	// previous order was canceled and this is its replacement.
	if order.OrderID == r.orderID && !r.canceled {
		return
	}
	r.ordersSeen++
	r.canceled = false
	r.orderID = order.OrderID
	r.errors = nil
	r.actionStates = nil
	r.targets = nil
	r.pendingActs = nil

	seed := order.Nodes[0]
	r.lastNodeID = seed.NodeID
	r.lastNodeSeq = seed.SequenceID

	if r.cfg.failEvery > 0 && r.ordersSeen%r.cfg.failEvery == 0 {
		r.errors = []vda5050.Error{{
			ErrorType:        "orderError",
			ErrorLevel:       vda5050.ErrorLevelFatal,
			ErrorDescription: "Failure period reached",
			ErrorReferences: []vda5050.ErrorReference{{
				ReferenceKey:   "node_id",
				ReferenceValue: seed.NodeID,
			}},
		}}
		return
	}
	r.targets = append(r.targets, order.Nodes[1:]...)
	for _, node := range order.Nodes {
		r.pendingActs = append(r.pendingActs, node.Actions...)
	}
}

func (r *simRobot) acceptInstantActions(ia *vda5050.InstantActions) {
	for _, act := range ia.InstantActions {
		if act.ActionType == vda5050.ActionCancelOrder {
			r.canceled = true
			r.targets = nil
			r.pendingActs = nil
			r.errors = nil
		}
		if r.acked(act.ActionID) {
			continue
		}
		r.actionStates = append(r.actionStates, vda5050.ActionState{
			ActionID:     act.ActionID,
			ActionType:   act.ActionType,
			ActionStatus: vda5050.ActionStatusFinished,
		})
	}
}

func (r *simRobot) acked(actionID string) bool {
	for _, as := range r.actionStates {
		if as.ActionID == actionID {
			return true
		}
	}
	return false
}

func (r *simRobot) tick() {
	if len(r.targets) > 0 {
		if r.cfg.speed <= 0 {
			return
		}
		goal := r.targets[0].NodePosition
		dx, dy := goal.X-r.x, goal.Y-r.y
		dist := math.Hypot(dx, dy)
		if dist <= r.cfg.speed {
			r.x, r.y = goal.X, goal.Y
		} else {
			r.x += dx / dist * r.cfg.speed
			r.y += dy / dist * r.cfg.speed
		}
		if math.Hypot(goal.X-r.x, goal.Y-r.y) <= arriveThreshold {
			r.lastNodeID = r.targets[0].NodeID
			r.lastNodeSeq = r.targets[0].SequenceID
			r.targets = r.targets[1:]
		}
		return
	}
	// Actions resolve once driving is done.
	for _, act := range r.pendingActs {
		status := vda5050.ActionStatusFinished
		if v, ok := act.Param("should_fail"); ok && v == "true" {
			status = vda5050.ActionStatusFailed
		}
		r.actionStates = append(r.actionStates, vda5050.ActionState{
			ActionID:     act.ActionID,
			ActionType:   act.ActionType,
			ActionStatus: status,
		})
	}
	r.pendingActs = nil
}

func (r *simRobot) publish() {
	state := &vda5050.State{
		Header:             vda5050.NewHeader(r.headerID),
		OrderID:            r.orderID,
		LastNodeID:         r.lastNodeID,
		LastNodeSequenceID: r.lastNodeSeq,
		NodeStates:         []vda5050.NodeState{},
		EdgeStates:         []vda5050.EdgeState{},
		ActionStates:       append([]vda5050.ActionState(nil), r.actionStates...),
		BatteryState:       &vda5050.BatteryState{BatteryCharge: 80},
		Driving:            len(r.targets) > 0,
		AGVPosition: &vda5050.AGVPosition{
			PositionInitialized: true,
			X:                   r.x,
			Y:                   r.y,
			MapID:               r.cfg.mapID,
		},
		Errors: append([]vda5050.Error(nil), r.errors...),
	}
	r.headerID++
	state.Manufacturer = "SimBot"
	state.SerialNumber = r.cfg.name
	if r.cfg.version != "" {
		state.Version = r.cfg.version
	}
	payload, err := json.Marshal(state)
	if err != nil {
		r.t.Errorf("sim %s: marshal state: %v", r.cfg.name, err)
		return
	}
	r.fake.Inject(vda5050.StateTopic(testPrefix, r.cfg.name), payload)
}

// simFleet routes dispatcher publishes to the simulated robots and
// records every header id per topic.
type simFleet struct {
	t      *testing.T
	fake   *broker.Fake
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	robots  map[string]*simRobot
	routes  map[string]*simRobot
	headers map[string][]int
}

func newSimFleet(t *testing.T, fake *broker.Fake) *simFleet {
	ctx, cancel := context.WithCancel(context.Background())
	f := &simFleet{
		t:       t,
		fake:    fake,
		ctx:     ctx,
		cancel:  cancel,
		robots:  map[string]*simRobot{},
		routes:  map[string]*simRobot{},
		headers: map[string][]int{},
	}
	f.wg.Add(1)
	go f.route()
	return f
}

func (f *simFleet) add(cfg simConfig) *simRobot {
	if cfg.mapID == "" {
		cfg.mapID = "map-1"
	}
	r := &simRobot{
		t:     f.t,
		cfg:   cfg,
		fake:  f.fake,
		inbox: make(chan broker.Message, 64),
		x:     cfg.startX,
		y:     cfg.startY,
	}
	f.mu.Lock()
	f.robots[cfg.name] = r
	f.routes[vda5050.OrderTopic(testPrefix, cfg.name)] = r
	f.routes[vda5050.InstantActionsTopic(testPrefix, cfg.name)] = r
	f.mu.Unlock()
	f.wg.Add(1)
	go r.run(f.ctx, &f.wg)
	return r
}

func (f *simFleet) route() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg := <-f.fake.Published():
			var header struct {
				HeaderID int `json:"headerId"`
			}
			_ = json.Unmarshal(msg.Payload, &header)
			f.mu.Lock()
			f.headers[msg.Topic] = append(f.headers[msg.Topic], header.HeaderID)
			r := f.routes[msg.Topic]
			f.mu.Unlock()
			if r == nil {
				continue
			}
			select {
			case r.inbox <- msg:
			case <-f.ctx.Done():
				return
			}
		}
	}
}

// headerIDs returns the header ids published on topic so far.
func (f *simFleet) headerIDs(topic string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.headers[topic]...)
}

func (f *simFleet) pause(name string) {
	f.mu.Lock()
	r := f.robots[name]
	f.mu.Unlock()
	r.paused.Store(true)
}

func (f *simFleet) resume(name string) {
	f.mu.Lock()
	r := f.robots[name]
	f.mu.Unlock()
	r.paused.Store(false)
}

func (f *simFleet) stop() {
	f.cancel()
	f.wg.Wait()
}

// countingStore counts status writes on top of the in-memory store.
type countingStore struct {
	*store.Memory
	missionWrites atomic.Int32
	robotWrites   atomic.Int32
}

func (c *countingStore) UpdateMissionStatus(ctx context.Context, m *objects.Mission) error {
	c.missionWrites.Add(1)
	return c.Memory.UpdateMissionStatus(ctx, m)
}

func (c *countingStore) UpdateRobotStatus(ctx context.Context, r *objects.Robot) error {
	c.robotWrites.Add(1)
	return c.Memory.UpdateRobotStatus(ctx, r)
}

// fixture wires a dispatcher to an in-memory store, a fake broker and a
// simulated fleet, and tears all of it down with the test.
type fixture struct {
	t     *testing.T
	mem   *store.Memory
	fake  *broker.Fake
	fleet *simFleet
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newFixtureWith(t, nil, opts)
}

func newFixtureWith(t *testing.T, wrap func(*store.Memory) store.Store, opts Options) *fixture {
	mem := store.NewMemory()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	fake := broker.NewFake()
	f := &fixture{t: t, mem: mem, fake: fake, fleet: newSimFleet(t, fake)}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- New(st, fake, opts).Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("dispatcher run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
		f.fleet.stop()
	})
	return f
}

func (f *fixture) putRobot(name string, heartbeat float64) {
	r := objects.NewRobot(name)
	r.HeartbeatTimeout = objects.Seconds(heartbeat)
	f.mem.PutRobot(r)
}

func (f *fixture) waitMission(name string, want objects.MissionState) *objects.Mission {
	var got *objects.Mission
	require.Eventuallyf(f.t, func() bool {
		m, err := f.mem.GetMission(context.Background(), name)
		if err != nil {
			return false
		}
		got = m
		return m.Status.State == want
	}, waitTimeout, pollEvery, "mission %s never reached %s", name, want)
	return got
}

func (f *fixture) waitRobot(name string, pred func(*objects.Robot) bool) *objects.Robot {
	var got *objects.Robot
	require.Eventuallyf(f.t, func() bool {
		r, err := f.mem.GetRobot(context.Background(), name)
		if err != nil {
			return false
		}
		got = r
		return pred(r)
	}, waitTimeout, pollEvery, "robot %s never matched", name)
	return got
}

func routeMission(name, robot string, waypoints ...objects.Pose2D) *objects.Mission {
	return objects.NewMission(name, objects.MissionSpec{
		Robot: robot,
		MissionTree: []objects.MissionNode{{
			Name:  "go",
			Route: &objects.RouteNode{Waypoints: waypoints},
		}},
	})
}

func requireMonotone(t *testing.T, ids []int) {
	t.Helper()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1], "header ids not strictly increasing: %v", ids)
	}
}
