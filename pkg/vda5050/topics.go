package vda5050

import "strings"

// Topic suffixes of the VDA5050 channels the dispatcher uses.
const (
	topicOrder          = "order"
	topicInstantActions = "instantActions"
	topicState          = "state"
)

// OrderTopic returns the publish topic for orders to the named robot.
func OrderTopic(prefix, robot string) string {
	return prefix + "/" + robot + "/" + topicOrder
}

// InstantActionsTopic returns the publish topic for instant actions to the
// named robot.
func InstantActionsTopic(prefix, robot string) string {
	return prefix + "/" + robot + "/" + topicInstantActions
}

// StateTopic returns the topic the named robot reports its state on.
func StateTopic(prefix, robot string) string {
	return prefix + "/" + robot + "/" + topicState
}

// StateSubscription returns the wildcard subscription matching every
// robot's state topic under prefix.
func StateSubscription(prefix string) string {
	return prefix + "/+/state"
}

// ParseStateTopic extracts the robot name from a state topic. It returns
// false when the topic does not belong to prefix or is not a state topic.
func ParseStateTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	robot, suffix, ok := strings.Cut(rest, "/")
	if !ok || robot == "" || suffix != topicState {
		return "", false
	}
	return robot, true
}
