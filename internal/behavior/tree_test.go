package behavior

import (
	"testing"

	"fleetd/internal/objects"
)

func newMission(t *testing.T, nodes ...objects.MissionNode) *objects.Mission {
	t.Helper()
	spec := objects.DefaultMissionSpec()
	spec.Robot = "carter1"
	spec.MissionTree = nodes
	m := objects.NewMission("m1", spec)
	if err := m.Validate(); err != nil {
		t.Fatalf("invalid mission: %v", err)
	}
	return m
}

func setNode(m *objects.Mission, name string, state objects.MissionState) {
	entry := m.Status.NodeStatus[name]
	entry.State = state
	m.Status.NodeStatus[name] = entry
}

func route(name, parent string) objects.MissionNode {
	return objects.MissionNode{
		Name:   name,
		Parent: parent,
		Route:  &objects.RouteNode{Waypoints: []objects.Pose2D{{X: 1}}},
	}
}

func TestBuildRejectsUnknownParent(t *testing.T) {
	m := &objects.Mission{
		MissionSpec: objects.MissionSpec{
			MissionTree: []objects.MissionNode{
				{Name: "a", Parent: "ghost", Route: &objects.RouteNode{Waypoints: []objects.Pose2D{{}}}},
			},
		},
	}
	_, err := Build(m)
	if err == nil {
		t.Fatal("expected error for unknown parent")
	}
	if got := err.Error(); got != "Given parent ghost does not exist" {
		t.Fatalf("error text: %q", got)
	}
}

func TestBuildRejectsLeafParent(t *testing.T) {
	m := &objects.Mission{
		MissionSpec: objects.MissionSpec{
			MissionTree: []objects.MissionNode{
				{Name: "a", Parent: "root", Route: &objects.RouteNode{Waypoints: []objects.Pose2D{{}}}},
				{Name: "b", Parent: "a", Route: &objects.RouteNode{Waypoints: []objects.Pose2D{{}}}},
			},
		},
	}
	_, err := Build(m)
	if err == nil {
		t.Fatal("expected error for leaf parent")
	}
	if !objects.IsUsage(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestSequenceProgression(t *testing.T) {
	m := newMission(t, route("a", ""), route("b", ""))

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("fresh mission: root %s, want RUNNING", got)
	}
	if tip := tree.Tip(); tip == nil || tip.Name != "a" || tip.Index != 0 {
		t.Fatalf("tip: %+v", tree.Tip())
	}

	setNode(m, "a", objects.MissionStateCompleted)
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("mid mission: root %s, want RUNNING", got)
	}
	if tip := tree.Tip(); tip == nil || tip.Name != "b" || tip.Index != 1 {
		t.Fatalf("tip after first leaf: %+v", tree.Tip())
	}

	setNode(m, "b", objects.MissionStateCompleted)
	if got := tree.Tick(); got != StatusSuccess {
		t.Fatalf("finished mission: root %s, want SUCCESS", got)
	}
	if tree.Tip() != nil {
		t.Fatalf("finished mission keeps a tip: %+v", tree.Tip())
	}
	if got := MissionState(tree.Tick()); got != objects.MissionStateCompleted {
		t.Fatalf("mission state: %s", got)
	}
}

func TestSequenceFailsFast(t *testing.T) {
	m := newMission(t, route("a", ""), route("b", ""))
	setNode(m, "a", objects.MissionStateFailed)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusFailure {
		t.Fatalf("root %s, want FAILURE", got)
	}
	if tree.Tip() != nil {
		t.Fatalf("failed mission keeps a tip: %+v", tree.Tip())
	}
	if got := tree.Node("b").Status(); got != StatusInvalid {
		t.Fatalf("unreached leaf: %s, want INVALID", got)
	}
}

func TestSelectorRecoversFromFailedBranch(t *testing.T) {
	m := newMission(t,
		objects.MissionNode{Name: "try", Selector: &objects.ControlNode{}},
		route("primary", "try"),
		route("fallback", "try"),
	)
	setNode(m, "primary", objects.MissionStateFailed)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("root %s, want RUNNING", got)
	}
	if tip := tree.Tip(); tip == nil || tip.Name != "fallback" || tip.Index != 2 {
		t.Fatalf("tip: %+v", tree.Tip())
	}

	setNode(m, "fallback", objects.MissionStateCompleted)
	if got := tree.Tick(); got != StatusSuccess {
		t.Fatalf("selector with one success: root %s, want SUCCESS", got)
	}

	tree.Sync()
	if got := m.Status.NodeStatus["try"].State; got != objects.MissionStateCompleted {
		t.Fatalf("selector node status: %s", got)
	}
}

func TestSelectorExhaustsAllBranches(t *testing.T) {
	m := newMission(t,
		objects.MissionNode{Name: "try", Selector: &objects.ControlNode{}},
		route("primary", "try"),
		route("fallback", "try"),
	)
	setNode(m, "primary", objects.MissionStateFailed)
	setNode(m, "fallback", objects.MissionStateFailed)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusFailure {
		t.Fatalf("root %s, want FAILURE", got)
	}
}

func TestConstantNodes(t *testing.T) {
	fail := false
	m := newMission(t,
		objects.MissionNode{Name: "try", Selector: &objects.ControlNode{}},
		objects.MissionNode{Name: "blocked", Parent: "try", Constant: &objects.ConstantNode{Success: &fail}},
		route("work", "try"),
	)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("root %s, want RUNNING", got)
	}
	if tip := tree.Tip(); tip == nil || tip.Name != "work" {
		t.Fatalf("constant failure must fall through to the leaf, tip %+v", tree.Tip())
	}

	tree.Sync()
	if got := m.Status.NodeStatus["blocked"].State; got != objects.MissionStateFailed {
		t.Fatalf("constant node status: %s", got)
	}

	// An unset constant defaults to success and seals the selector.
	m2 := newMission(t,
		objects.MissionNode{Name: "try", Selector: &objects.ControlNode{}},
		objects.MissionNode{Name: "ok", Parent: "try", Constant: &objects.ConstantNode{}},
		route("work", "try"),
	)
	tree2, err := Build(m2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree2.Tick(); got != StatusSuccess {
		t.Fatalf("root %s, want SUCCESS", got)
	}
}

func TestRestoreFromPersistedStatus(t *testing.T) {
	m := newMission(t, route("a", ""), route("b", ""))
	setNode(m, "a", objects.MissionStateCompleted)
	setNode(m, "b", objects.MissionStateRunning)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Node("a").Status(); got != StatusSuccess {
		t.Fatalf("restored leaf a: %s", got)
	}
	if got := tree.Node("b").Status(); got != StatusRunning {
		t.Fatalf("restored leaf b: %s", got)
	}
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("root %s, want RUNNING", got)
	}
	if tip := tree.Tip(); tip == nil || tip.Name != "b" {
		t.Fatalf("tip: %+v", tree.Tip())
	}
}

func TestSyncLeavesRootAndLeavesAlone(t *testing.T) {
	m := newMission(t,
		objects.MissionNode{Name: "phase", Sequence: &objects.ControlNode{}},
		route("a", "phase"),
	)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tree.Tick()
	tree.Sync()

	if got := m.Status.NodeStatus["phase"].State; got != objects.MissionStateRunning {
		t.Fatalf("control node status: %s", got)
	}
	if got := m.Status.NodeStatus["a"].State; got != objects.MissionStatePending {
		t.Fatalf("leaf status must stay owned by the feedback path: %s", got)
	}
	if got := m.Status.NodeStatus["root"].State; got != objects.MissionStatePending {
		t.Fatalf("root status must stay owned by the mission state: %s", got)
	}
}

func TestNotifyLeafBecomesTip(t *testing.T) {
	m := newMission(t,
		route("a", ""),
		objects.MissionNode{
			Name:   "report",
			Notify: &objects.NotifyNode{URL: "http://example.com/hook"},
		},
	)
	setNode(m, "a", objects.MissionStateCompleted)

	tree, err := Build(m)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := tree.Tick(); got != StatusRunning {
		t.Fatalf("root %s, want RUNNING", got)
	}
	tip := tree.Tip()
	if tip == nil || tip.Name != "report" || tip.Kind != objects.NodeTypeNotify {
		t.Fatalf("tip: %+v", tip)
	}
}
