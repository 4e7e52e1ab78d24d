// Package dispatch runs the mission dispatcher. One agent goroutine per
// robot owns that robot's mission queue, builds VDA5050 orders from the
// running mission's tree and folds the robot's state messages back into
// the stored objects. The dispatcher itself only routes: store watch
// events and MQTT state messages go to the agent of the robot they
// belong to.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"fleetd/internal/broker"
	"fleetd/internal/objects"
	"fleetd/internal/store"
	"fleetd/pkg/logger"
	"fleetd/pkg/vda5050"
)

// Options configures the dispatcher.
type Options struct {
	// Prefix is the VDA5050 topic prefix, interfaceName/majorVersion/
	// manufacturer.
	Prefix string
	// ControlURL is the base URL of the mission control service used
	// for map deployment and charging requests. Empty disables both.
	ControlURL string
}

// Dispatcher routes store and MQTT events to per-robot agents.
type Dispatcher struct {
	deps deps

	mu     sync.Mutex
	agents map[string]*agent
	wg     sync.WaitGroup
}

// New assembles a dispatcher on top of an object store client and a
// connected broker.
func New(st store.Store, br broker.Broker, opts Options) *Dispatcher {
	return &Dispatcher{
		deps: deps{
			store:    st,
			broker:   br,
			notifier: NewNotifier(),
			prefix:   opts.Prefix,
			ctrlURL:  opts.ControlURL,
		},
		agents: map[string]*agent{},
	}
}

// Run subscribes to the robots' state topics and pumps events until the
// context ends. A watch stream ending for any other reason is an error;
// the caller decides whether to restart.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.deps.broker.Subscribe(vda5050.StateSubscription(d.deps.prefix)); err != nil {
		return err
	}

	agentsCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		d.wg.Wait()
	}()

	robots := d.deps.store.WatchRobots(ctx)
	missions := d.deps.store.WatchMissions(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-robots:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return objects.NewServerError("robot watch stream ended")
			}
			logger.Debug().Msgf("Got robot from database %s", r.Name)
			d.agent(agentsCtx, r.Name).send(r)
		case m, ok := <-missions:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return objects.NewServerError("mission watch stream ended")
			}
			logger.Debug().Msgf("Got new mission from database %s", m.Name)
			if m.Status.State.Done() {
				continue
			}
			d.agent(agentsCtx, m.Robot).send(m)
		case msg := <-d.deps.broker.Messages():
			d.onMQTT(msg)
		}
	}
}

// onMQTT decodes a state message and hands it to the agent of the robot
// named in the topic. Messages for robots the store never announced are
// dropped; a robot must be registered before it is dispatched to.
func (d *Dispatcher) onMQTT(msg broker.Message) {
	robot, ok := vda5050.ParseStateTopic(d.deps.prefix, msg.Topic)
	if !ok {
		logger.Warn().Msgf("Got message from unrecognized topic %q", msg.Topic)
		return
	}
	d.mu.Lock()
	a := d.agents[robot]
	d.mu.Unlock()
	if a == nil {
		logger.Warn().Msgf("Ignoring MQTT message from unknown robot %q", robot)
		return
	}
	state := &vda5050.State{}
	if err := json.Unmarshal(msg.Payload, state); err != nil {
		logger.Warn().Str("robot", robot).Msgf("Dropping undecodable state message: %v", err)
		return
	}
	a.send(state)
}

func (d *Dispatcher) agent(ctx context.Context, name string) *agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[name]; ok {
		return a
	}
	logger.Debug().Str("robot", name).Msg("Starting robot agent")
	d.wg.Add(1)
	a := newAgent(ctx, name, d.deps, d.dropAgent)
	d.agents[name] = a
	return a
}

func (d *Dispatcher) dropAgent(name string) {
	d.mu.Lock()
	delete(d.agents, name)
	d.mu.Unlock()
	d.wg.Done()
}
