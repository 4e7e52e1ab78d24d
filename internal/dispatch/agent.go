package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"fleetd/internal/behavior"
	"fleetd/internal/broker"
	"fleetd/internal/codec"
	"fleetd/internal/objects"
	"fleetd/internal/store"
	"fleetd/pkg/logger"
	"fleetd/pkg/vda5050"
)

// inboxSize bounds an agent's inbound event queue.
const inboxSize = 256

// deps bundles the collaborators shared by every agent.
type deps struct {
	store    store.Store
	broker   broker.Broker
	notifier *Notifier
	prefix   string
	ctrlURL  string
}

// missionQueue keeps missions in submission order.
type missionQueue struct {
	items []*objects.Mission
}

func (q *missionQueue) get(name string) *objects.Mission {
	for _, m := range q.items {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (q *missionQueue) add(m *objects.Mission) {
	q.items = append(q.items, m)
}

func (q *missionQueue) remove(name string) {
	for i, m := range q.items {
		if m.Name == name {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *missionQueue) first() *objects.Mission {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// outstandingAction is an instant action waiting for its ack. Unacked
// entries are retransmitted on every feedback until the robot reports
// them FINISHED.
type outstandingAction struct {
	id        string
	action    string
	leaf      string // mission node a cancelOrder was issued for
	forUpdate bool   // cancel issued to make room for a route update
	msg       *vda5050.InstantActions
}

// agent drives one robot. All fields below the inbox are owned by the
// run goroutine; the dispatcher reaches the agent only through send.
type agent struct {
	name string
	deps deps
	ctx  context.Context

	inbox chan any
	done  chan struct{}
	drop  func(name string)
	alive bool

	robot           *objects.Robot
	lastRobotStatus *objects.RobotStatus
	missions        missionQueue
	current         *objects.Mission
	tree            *behavior.Tree
	headerID        int
	sentOrderFor    string
	outstanding     []*outstandingAction
	pendingUpdate   map[string]objects.RouteNode
	pendingFeedback *vda5050.State
	teleopCommanded bool
	chargeRequested bool
	warnedVersion   string

	watchdog     *time.Timer
	missionTimer *time.Timer
	timeoutFor   string
}

// newAgent builds an agent and starts its run goroutine.
func newAgent(ctx context.Context, name string, d deps, drop func(string)) *agent {
	a := &agent{
		name:         name,
		deps:         d,
		ctx:          ctx,
		inbox:        make(chan any, inboxSize),
		done:         make(chan struct{}),
		drop:         drop,
		alive:        true,
		watchdog:     newStoppedTimer(),
		missionTimer: newStoppedTimer(),
	}
	go a.run()
	return a
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// send queues one event, giving up when the agent has stopped.
func (a *agent) send(msg any) {
	select {
	case a.inbox <- msg:
	case <-a.done:
	}
}

func (a *agent) run() {
	defer a.drop(a.name)
	defer close(a.done)
	for a.alive {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.inbox:
			switch m := msg.(type) {
			case *objects.Robot:
				a.onRobotChange(m)
			case *objects.Mission:
				a.onMissionChange(m)
			case *vda5050.State:
				a.onFeedback(m)
			}
		case <-a.watchdog.C:
			a.onWatchdog()
		case <-a.missionTimer.C:
			a.onMissionTimeout()
		}
	}
}

func (a *agent) onRobotChange(r *objects.Robot) {
	first := a.robot == nil
	a.robot = r
	if first {
		a.info("Created robot")
		a.headerID = 0
		a.armWatchdog()
		if fb := a.pendingFeedback; fb != nil {
			a.pendingFeedback = nil
			a.onFeedback(fb)
		}
		a.tryStartMission()
	}
	a.reconcileTeleop()
	if a.robot.Lifecycle == objects.LifecyclePendingDelete &&
		a.robot.Status.State == objects.RobotStateIdle {
		a.debug("Robot is idle and delete request received, deleting robot.")
		a.removeRobot()
	}
}

func (a *agent) onMissionChange(m *objects.Mission) {
	existing := a.missions.get(m.Name)
	if existing == nil {
		a.infof("Received new mission [%s] and added it to the queue", m.Name)
		a.missions.add(m)
		a.tryStartMission()
		return
	}

	existing.NeedsCanceled = m.NeedsCanceled
	existing.Lifecycle = m.Lifecycle
	if len(m.UpdateNodes) > 0 {
		existing.UpdateNodes = m.UpdateNodes
	}

	if a.current != nil && a.current.Name == m.Name {
		if len(m.UpdateNodes) > 0 {
			a.applyRouteUpdate(m.UpdateNodes)
		}
		if a.current.NeedsCanceled {
			a.cancelCurrent()
		}
		return
	}

	// Queued missions cancel and delete without any robot interaction.
	if existing.NeedsCanceled {
		existing.Status.State = objects.MissionStateCanceled
		existing.Status.FailureCategory = objects.FailureCategoryCanceled
		if err := a.deps.store.UpdateMissionStatus(a.ctx, existing); err != nil {
			a.warnf("Failed to update mission status: %v", err)
		}
		a.missions.remove(m.Name)
	}
	if existing.Lifecycle == objects.LifecyclePendingDelete {
		if err := a.deps.store.DeleteMission(a.ctx, m.Name); err != nil {
			a.warnf("Failed to delete mission %s: %v", m.Name, err)
		}
		a.missions.remove(m.Name)
	}
}

func (a *agent) onFeedback(state *vda5050.State) {
	a.debugf("[%s] Got feedback", state.OrderID)
	if a.robot == nil {
		// Keep only the newest message until the robot object arrives.
		a.pendingFeedback = state
		return
	}
	// An incompatible protocol version is worth a warning, but the robot
	// still has to be tracked. Warn once per reported version.
	if state.Version != "" {
		if err := codec.CheckVersion(state.Version); err != nil && state.Version != a.warnedVersion {
			a.warnf("Robot protocol version is unsupported: %v", err)
			a.warnedVersion = state.Version
		}
	}

	a.armWatchdog()
	upd := codec.ParseRobotUpdate(state)
	if upd.Pose != nil {
		a.robot.Status.Pose.X = upd.Pose.X
		a.robot.Status.Pose.Y = upd.Pose.Y
		a.robot.Status.Pose.Theta = upd.Pose.Theta
		if upd.Pose.MapID != "" {
			a.robot.Status.Pose.MapID = upd.Pose.MapID
		}
	}
	if !a.robot.Status.Online {
		a.info("Robot Online")
	}
	a.robot.Status.Online = true
	if upd.HasInfo {
		a.robot.Status.InfoMessages = upd.InfoMessages
	}
	if upd.Hardware != (objects.HardwareVersion{}) {
		a.robot.Status.HardwareVersion = upd.Hardware
	}
	if upd.BatteryLevel != nil {
		a.robot.Status.BatteryLevel = *upd.BatteryLevel
	}

	treeSize := 0
	if a.current != nil {
		treeSize = len(a.current.MissionTree)
	}
	fold := codec.FoldErrors(state, treeSize)
	if len(fold.RobotErrors) > 0 {
		if a.robot.Status.Errors == nil {
			a.robot.Status.Errors = map[string]string{}
		}
		for k, v := range fold.RobotErrors {
			a.robot.Status.Errors[k] = v
		}
	}

	a.reconcileRobotState(upd)
	a.reconcileInstantActions(state)
	a.reconcileTeleop()
	a.persistRobot()

	if a.current == nil || a.tree == nil {
		return
	}
	missionName, _, err := codec.ParseOrderID(state.OrderID)
	if err != nil || missionName != a.current.Name {
		a.missionInfof("Got message from another mission order: %s", state.OrderID)
		a.sendOrder()
		return
	}
	a.reconcile(state, fold)
}

// reconcile folds one feedback message into the current mission. A
// mission that already failed is not reprocessed; the terminal cleanup
// below still runs so the queue advances.
func (a *agent) reconcile(state *vda5050.State, fold codec.ErrorFold) {
	cur := a.current
	prev := cur.Status.Clone()
	if prev.State != objects.MissionStateFailed {
		prevTip := a.tipName()
		a.applyFeedbackToLeaf(state, fold)
		a.evaluate(fold.FailureReason())
		if tip := a.tipName(); tip != "" && prevTip != "" && tip != prevTip {
			a.missionInfof("Update node from %s to %s", prevTip, tip)
		}
		a.runTips()
		if !prev.Equal(cur.Status) {
			a.persistMission()
		}
	}
	if a.current != nil && a.current.Status.State.Done() {
		a.finishCurrent()
	}
}

// applyFeedbackToLeaf maps the feedback onto the leaf its order was
// built from and records fatal error descriptions on the leaves they
// reference.
func (a *agent) applyFeedbackToLeaf(state *vda5050.State, fold codec.ErrorFold) {
	cur := a.current
	_, index, err := codec.ParseOrderID(state.OrderID)
	if err != nil || index < 0 || index >= len(cur.MissionTree) {
		return
	}
	node := &cur.MissionTree[index]

	leafState, decided := codec.ReconcileLeaf(node, state)
	for i, msg := range fold.LeafErrors {
		name := cur.MissionTree[i].Name
		entry := cur.Status.NodeStatus[name]
		entry.ErrorMsg = msg
		cur.Status.NodeStatus[name] = entry
	}
	if fold.Fatal() {
		leafState, decided = objects.MissionStateFailed, true
	}
	if decided {
		a.setMissionNodeState(node.Name, leafState)
	}
}

// evaluate ticks the tree and maps the root status onto the mission,
// stamping timestamps and moving the robot in and out of ON_TASK.
func (a *agent) evaluate(failureReason string) {
	root := a.tree.Tick()
	a.tree.Sync()
	if tip := a.tree.Tip(); tip != nil {
		a.current.Status.CurrentNode = tip.Index
	}
	switch behavior.MissionState(root) {
	case objects.MissionStateRunning:
		if a.current.Status.StartTimestamp == nil {
			a.startRunning()
		}
	case objects.MissionStateCompleted:
		now := time.Now()
		a.current.Status.EndTimestamp = &now
		a.setMissionState(objects.MissionStateCompleted)
		a.setRobotState(objects.RobotStateIdle)
	case objects.MissionStateFailed:
		now := time.Now()
		a.current.Status.EndTimestamp = &now
		if failureReason != "" {
			a.current.Status.FailureReason = failureReason
		}
		if a.current.Status.FailureCategory == "" {
			a.current.Status.FailureCategory = objects.FailureCategoryRobotApp
		}
		a.setMissionState(objects.MissionStateFailed)
		a.setRobotState(objects.RobotStateIdle)
	}
}

func (a *agent) startRunning() {
	now := time.Now()
	a.current.Status.StartTimestamp = &now
	a.setRobotState(objects.RobotStateOnTask)
	a.setMissionState(objects.MissionStateRunning)
}

// runTips executes notify tips inline and sends the order for the
// current tip when it has not been sent yet.
func (a *agent) runTips() {
	for {
		if a.current == nil || a.tree == nil || a.current.Status.State.Done() {
			return
		}
		tip := a.tree.Tip()
		if tip == nil {
			return
		}
		if tip.Kind == objects.NodeTypeNotify {
			state := objects.MissionStateCompleted
			if !a.deps.notifier.Notify(a.ctx, tip.Spec.Notify) {
				state = objects.MissionStateFailed
				entry := a.current.Status.NodeStatus[tip.Name]
				entry.ErrorMsg = "Notify request failed"
				a.current.Status.NodeStatus[tip.Name] = entry
			}
			a.setMissionNodeState(tip.Name, state)
			a.evaluate("")
			continue
		}
		if a.sentOrderFor != tip.Name {
			a.sendOrder()
		}
		return
	}
}

func (a *agent) sendOrder() {
	if a.robot == nil || a.robot.Lifecycle != objects.LifecycleAlive {
		return
	}
	if a.current == nil || a.tree == nil {
		return
	}
	if a.robot.Status.State == objects.RobotStateTeleop {
		return
	}
	tip := a.tree.Tip()
	if tip == nil {
		a.missionInfof("No available order to be sent")
		return
	}
	switch tip.Kind {
	case objects.NodeTypeRoute, objects.NodeTypeMove, objects.NodeTypeAction:
	default:
		return
	}
	order, err := codec.BuildOrder(a.current, a.robot, tip.Index)
	if err != nil {
		a.warnf("Failed to assemble order for node %s: %v", tip.Name, err)
		return
	}
	order.Header = vda5050.NewHeader(a.headerID)
	a.headerID++
	a.stampHeader(&order.Header)
	a.publish(vda5050.OrderTopic(a.deps.prefix, a.name), order)
	a.missionInfof("Sending mission %s node %s", tip.Kind, tip.Name)
	a.sentOrderFor = tip.Name
	a.setMissionNodeState(tip.Name, objects.MissionStateRunning)
}

// tryStartMission promotes the first queued mission to current and
// starts it if the robot is available. A mission that already has its
// tree is in flight and stays untouched.
func (a *agent) tryStartMission() {
	if a.tree != nil {
		return
	}
	if a.current == nil {
		a.current = a.missions.first()
	}
	if a.current == nil {
		a.debug("Could not find a new mission to run")
		return
	}
	if a.robot == nil || a.robot.Lifecycle != objects.LifecycleAlive {
		return
	}
	cur := a.current

	if cur.Deadline != nil && time.Now().After(*cur.Deadline) {
		now := time.Now()
		cur.Status.FailureReason = "Mission deadline passed"
		cur.Status.FailureCategory = objects.FailureCategoryDeadline
		cur.Status.EndTimestamp = &now
		a.setMissionState(objects.MissionStateFailed)
		a.persistMission()
		a.finishCurrent()
		return
	}

	a.applyStoredRouteUpdates(cur)
	tree, err := behavior.Build(cur)
	if err != nil {
		cur.Status.FailureReason = err.Error()
		a.setMissionState(objects.MissionStateFailed)
		a.persistMission()
		a.finishCurrent()
		return
	}
	a.tree = tree
	a.armMissionTimeout()

	prev := cur.Status.Clone()
	a.evaluate("")
	a.runTips()
	if !prev.Equal(cur.Status) {
		a.persistMission()
	}
	if cur.Status.State.Done() {
		a.finishCurrent()
	}
}

// finishCurrent drops the finished mission, applies deferred deletes
// and moves on to the next queued mission.
func (a *agent) finishCurrent() {
	if a.current == nil {
		return
	}
	if a.current.Lifecycle == objects.LifecyclePendingDelete {
		if err := a.deps.store.DeleteMission(a.ctx, a.current.Name); err != nil {
			a.warnf("Failed to delete mission %s: %v", a.current.Name, err)
		}
	}
	a.missions.remove(a.current.Name)
	a.current = nil
	a.tree = nil
	a.sentOrderFor = ""
	a.pendingUpdate = nil
	a.timeoutFor = ""
	a.missionTimer.Stop()
	a.dropCancelActions()
	if a.robot != nil && a.robot.Lifecycle == objects.LifecyclePendingDelete {
		a.removeRobot()
		return
	}
	a.tryStartMission()
}

// cancelCurrent cancels the current mission. A running mission needs
// the robot to confirm through the cancelOrder protocol; one that has
// not started cancels in place.
func (a *agent) cancelCurrent() {
	cur := a.current
	if cur == nil || cur.Status.State.Done() {
		return
	}
	if cur.Status.State == objects.MissionStateRunning {
		a.sendCancelOrder(false)
		return
	}
	cur.Status.FailureCategory = objects.FailureCategoryCanceled
	a.setMissionState(objects.MissionStateCanceled)
	a.persistMission()
	a.finishCurrent()
}

// applyRouteUpdate rewrites route waypoints from an update request.
// Rewrites that target the leaf currently executing are deferred until
// the in-flight order is canceled.
func (a *agent) applyRouteUpdate(nodes map[string]objects.RouteNode) {
	cur := a.current
	cur.UpdateNodes = nodes
	needCancel := false
	for name, route := range nodes {
		node := cur.Node(name)
		if node == nil || node.Route == nil {
			continue
		}
		entry := cur.Status.NodeStatus[name]
		if entry.State.Done() {
			continue
		}
		if entry.State == objects.MissionStateRunning {
			if a.pendingUpdate == nil {
				a.pendingUpdate = map[string]objects.RouteNode{}
			}
			a.pendingUpdate[name] = route
			needCancel = true
			continue
		}
		node.Route.Waypoints = route.Waypoints
	}
	if needCancel {
		a.sendCancelOrder(true)
	}
}

func (a *agent) applyStoredRouteUpdates(m *objects.Mission) {
	for name, route := range m.UpdateNodes {
		node := m.Node(name)
		if node == nil || node.Route == nil {
			continue
		}
		if m.Status.NodeStatus[name].State.Done() {
			continue
		}
		node.Route.Waypoints = route.Waypoints
	}
}

func (a *agent) sendCancelOrder(forUpdate bool) {
	if a.hasOutstanding(vda5050.ActionCancelOrder) {
		return
	}
	a.sendInstantAction(vda5050.ActionCancelOrder, a.tipName(), forUpdate)
}

func (a *agent) sendInstantAction(actionType, leaf string, forUpdate bool) {
	scope := a.name
	if a.current != nil {
		scope = a.current.Name
	}
	msg := codec.BuildInstantAction(scope, actionType, a.headerID)
	a.headerID++
	a.stampHeader(&msg.Header)
	a.publish(vda5050.InstantActionsTopic(a.deps.prefix, a.name), msg)
	a.missionInfof("Sending instant action %s", actionType)
	a.outstanding = append(a.outstanding, &outstandingAction{
		id:        msg.InstantActions[0].ActionID,
		action:    actionType,
		leaf:      leaf,
		forUpdate: forUpdate,
		msg:       msg,
	})
}

// reconcileInstantActions retires acked instant actions and
// retransmits the ones the robot has not seen yet.
func (a *agent) reconcileInstantActions(state *vda5050.State) {
	if len(a.outstanding) == 0 {
		return
	}
	var keep []*outstandingAction
	for _, oa := range a.outstanding {
		if codec.AckedInstantAction(state, oa.id) {
			a.completeInstantAction(oa)
			continue
		}
		if !codec.SeenAction(state, oa.id) {
			oa.msg.Header = vda5050.NewHeader(a.headerID)
			a.headerID++
			a.stampHeader(&oa.msg.Header)
			a.publish(vda5050.InstantActionsTopic(a.deps.prefix, a.name), oa.msg)
		}
		keep = append(keep, oa)
	}
	a.outstanding = keep
}

func (a *agent) completeInstantAction(oa *outstandingAction) {
	switch oa.action {
	case vda5050.ActionCancelOrder:
		a.onCancelAck(oa)
	case vda5050.ActionStartTeleop:
		a.teleopCommanded = true
		a.setRobotState(objects.RobotStateTeleop)
	case vda5050.ActionStopTeleop:
		a.teleopCommanded = false
		a.setRobotState(a.resumedState())
		a.sentOrderFor = ""
		a.sendOrder()
	}
}

func (a *agent) onCancelAck(oa *outstandingAction) {
	if a.current == nil || a.tree == nil {
		return
	}
	a.setMissionNodeState(oa.leaf, objects.MissionStateCanceled)
	if oa.forUpdate {
		// The cancel only made room for the rewritten route.
		for name, route := range a.pendingUpdate {
			node := a.current.Node(name)
			if node != nil && node.Route != nil {
				node.Route.Waypoints = route.Waypoints
			}
		}
		a.pendingUpdate = nil
		a.setMissionNodeState(oa.leaf, objects.MissionStatePending)
		a.sentOrderFor = ""
		a.evaluate("")
		a.runTips()
		a.persistMission()
		return
	}
	now := time.Now()
	a.current.Status.EndTimestamp = &now
	a.current.Status.FailureCategory = objects.FailureCategoryCanceled
	a.setMissionState(objects.MissionStateCanceled)
	a.setRobotState(objects.RobotStateIdle)
	a.persistMission()
	a.finishCurrent()
}

// reconcileTeleop compares the operator's switch_teleop request with
// the robot state and dispatches the matching instant action.
func (a *agent) reconcileTeleop() {
	if a.robot == nil {
		return
	}
	st := a.robot.Status.State
	want := a.robot.SwitchTeleop
	if want && st != objects.RobotStateTeleop && st.CanSwitchTeleop() &&
		!a.hasOutstanding(vda5050.ActionStartTeleop) {
		a.sendInstantAction(vda5050.ActionStartTeleop, "", false)
	}
	if !want && st == objects.RobotStateTeleop && a.teleopCommanded &&
		!a.hasOutstanding(vda5050.ActionStopTeleop) {
		a.sendInstantAction(vda5050.ActionStopTeleop, "", false)
	}
}

// reconcileRobotState derives the robot state transitions that come
// from telemetry rather than from missions: vendor pause, charging,
// map deployment and the low battery handoff to mission control.
func (a *agent) reconcileRobotState(upd codec.RobotUpdate) {
	st := a.robot.Status.State
	if upd.PauseActive && st != objects.RobotStateTeleop && st.CanSwitchTeleop() {
		a.setRobotState(objects.RobotStateTeleop)
	} else if !upd.PauseActive && st == objects.RobotStateTeleop &&
		!a.teleopCommanded && !a.robot.SwitchTeleop {
		a.setRobotState(a.resumedState())
	}

	st = a.robot.Status.State
	if upd.Charging && !st.Running() && st != objects.RobotStateTeleop {
		a.setRobotState(objects.RobotStateCharging)
	} else if !upd.Charging && st == objects.RobotStateCharging {
		a.setRobotState(objects.RobotStateIdle)
	}

	if upd.Pose != nil && upd.Pose.MapID != "" &&
		a.robot.Status.State == objects.RobotStateMapDeployment {
		a.setRobotState(objects.RobotStateIdle)
	}
	if a.deps.ctrlURL != "" && upd.Pose != nil && upd.Pose.MapID == "" &&
		a.robot.Status.State.CanDeployMap() {
		if err := a.deps.notifier.PushMap(a.ctx, a.deps.ctrlURL, a.name); err != nil {
			a.debugf("Map deployment request failed: %v", err)
		} else {
			a.setRobotState(objects.RobotStateMapDeployment)
		}
	}

	min := a.robot.Battery.RecommendedMinimum
	if upd.BatteryLevel != nil && min != nil && *upd.BatteryLevel > *min {
		a.chargeRequested = false
	}
	if a.deps.ctrlURL != "" && upd.BatteryLevel != nil && min != nil &&
		*upd.BatteryLevel <= *min && a.robot.Status.State == objects.RobotStateIdle &&
		!a.chargeRequested {
		if err := a.deps.notifier.RequestCharging(a.ctx, a.deps.ctrlURL, a.name); err != nil {
			a.debugf("Charging request failed: %v", err)
		} else {
			a.chargeRequested = true
		}
	}
}

func (a *agent) resumedState() objects.RobotState {
	if a.current != nil && a.current.Status.State == objects.MissionStateRunning {
		return objects.RobotStateOnTask
	}
	return objects.RobotStateIdle
}

func (a *agent) hasOutstanding(actionType string) bool {
	for _, oa := range a.outstanding {
		if oa.action == actionType {
			return true
		}
	}
	return false
}

func (a *agent) dropCancelActions() {
	keep := a.outstanding[:0]
	for _, oa := range a.outstanding {
		if oa.action != vda5050.ActionCancelOrder {
			keep = append(keep, oa)
		}
	}
	a.outstanding = keep
}

func (a *agent) armWatchdog() {
	d := a.robot.HeartbeatTimeout.Duration()
	if d <= 0 {
		d = 30 * time.Second
	}
	a.watchdog.Reset(d)
}

func (a *agent) onWatchdog() {
	if a.robot == nil || !a.robot.Status.Online {
		return
	}
	a.robot.Status.Online = false
	a.info("Robot Offline")
	a.persistRobot()
}

func (a *agent) armMissionTimeout() {
	a.timeoutFor = a.current.Name
	a.missionTimer.Reset(a.current.Timeout.Duration())
}

func (a *agent) onMissionTimeout() {
	if a.current == nil || a.robot == nil {
		return
	}
	if a.timeoutFor != a.current.Name ||
		a.current.Status.State != objects.MissionStateRunning {
		return
	}
	a.failCurrent("Mission timed out", objects.FailureCategoryTimeout)
}

// failCurrent marks the current mission failed without advancing the
// queue; the next feedback message drives the advance.
func (a *agent) failCurrent(reason string, category objects.FailureCategory) {
	now := time.Now()
	a.current.Status.FailureReason = reason
	a.current.Status.FailureCategory = category
	a.current.Status.EndTimestamp = &now
	a.setMissionState(objects.MissionStateFailed)
	a.setRobotState(objects.RobotStateIdle)
	a.persistMission()
}

// removeRobot deletes the robot from the store and stops the agent.
func (a *agent) removeRobot() {
	if a.robot == nil {
		return
	}
	a.robot.Lifecycle = objects.LifecycleDeleted
	a.alive = false
	a.watchdog.Stop()
	a.missionTimer.Stop()
	if err := a.deps.store.DeleteRobot(a.ctx, a.name); err != nil {
		a.warnf("Failed to delete robot: %v", err)
	}
}

func (a *agent) setMissionState(state objects.MissionState) {
	cur := a.current
	if cur == nil || cur.Status.State == state {
		return
	}
	a.missionInfof("Mission state: %s -> %s", cur.Status.State, state)
	cur.Status.State = state
	root := cur.Status.NodeStatus["root"]
	root.State = state
	cur.Status.NodeStatus["root"] = root
	switch state {
	case objects.MissionStateRunning:
		a.missionInfof("Mission started at %s", stamp(cur.Status.StartTimestamp))
		return
	case objects.MissionStateCompleted:
		a.missionInfof("Mission completed at %s", stamp(cur.Status.EndTimestamp))
	case objects.MissionStateFailed:
		a.missionInfof("Mission failed at %s", stamp(cur.Status.EndTimestamp))
		a.missionInfof("Failure reason: %s", cur.Status.FailureReason)
	}
	if cur.Status.StartTimestamp != nil && cur.Status.EndTimestamp != nil {
		a.missionInfof("Mission duration: %s",
			cur.Status.EndTimestamp.Sub(*cur.Status.StartTimestamp))
	}
}

func (a *agent) setMissionNodeState(name string, state objects.MissionState) {
	cur := a.current
	if cur == nil {
		return
	}
	entry := cur.Status.NodeStatus[name]
	if entry.State == state {
		return
	}
	a.missionInfof("Node %s: %s -> %s", name, entry.State, state)
	entry.State = state
	cur.Status.NodeStatus[name] = entry
}

func (a *agent) setRobotState(state objects.RobotState) {
	if a.robot == nil || a.robot.Status.State == state {
		return
	}
	a.infof("Robot state: %s -> %s", a.robot.Status.State, state)
	a.robot.Status.State = state
	a.persistRobot()
}

func (a *agent) tipName() string {
	if a.tree == nil {
		return ""
	}
	if tip := a.tree.Tip(); tip != nil {
		return tip.Name
	}
	return ""
}

func (a *agent) persistMission() {
	if a.current == nil {
		return
	}
	if err := a.deps.store.UpdateMissionStatus(a.ctx, a.current); err != nil {
		a.warnf("Failed to update mission status: %v", err)
	}
}

// persistRobot writes the robot status when it changed since the last
// write. Identical statuses are skipped so replayed feedback causes no
// duplicate writes.
func (a *agent) persistRobot() {
	if a.robot == nil || a.robot.Lifecycle == objects.LifecycleDeleted {
		return
	}
	if a.lastRobotStatus != nil && a.lastRobotStatus.Equal(a.robot.Status) {
		return
	}
	if err := a.deps.store.UpdateRobotStatus(a.ctx, a.robot); err != nil {
		a.warnf("Failed to update robot status: %v", err)
		return
	}
	clone := a.robot.Status.Clone()
	a.lastRobotStatus = &clone
}

func (a *agent) stampHeader(h *vda5050.Header) {
	if a.robot == nil {
		return
	}
	h.Manufacturer = a.robot.Status.HardwareVersion.Manufacturer
	h.SerialNumber = a.robot.Status.HardwareVersion.SerialNumber
}

func (a *agent) publish(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		a.warnf("Failed to encode message for %s: %v", topic, err)
		return
	}
	if err := a.deps.broker.Publish(topic, payload); err != nil {
		a.warnf("Failed to publish to %s: %v", topic, err)
	}
}

func stamp(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}

func (a *agent) info(msg string) {
	logger.Info().Str("robot", a.name).Msg(msg)
}

func (a *agent) infof(format string, args ...any) {
	logger.Info().Str("robot", a.name).Msgf(format, args...)
}

func (a *agent) debug(msg string) {
	logger.Debug().Str("robot", a.name).Msg(msg)
}

func (a *agent) debugf(format string, args ...any) {
	logger.Debug().Str("robot", a.name).Msgf(format, args...)
}

func (a *agent) warnf(format string, args ...any) {
	logger.Warn().Str("robot", a.name).Msgf(format, args...)
}

func (a *agent) missionInfof(format string, args ...any) {
	ev := logger.Info().Str("robot", a.name)
	if a.current != nil {
		ev = ev.Str("mission", a.current.Name)
	}
	ev.Msgf(format, args...)
}
