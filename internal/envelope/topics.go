package envelope

import "fmt"

// Topic name builders. The namespace is uniform across bus backends:
// chat:<id>, stream:<id>, signal:<scope>/<event>, control:<agent>.

func ChatTopic(idOrAgent string) string {
	return fmt.Sprintf("chat:%s", idOrAgent)
}

func StreamTopic(conversationID string) string {
	return fmt.Sprintf("stream:%s", conversationID)
}

func SignalTopic(scope string) string {
	return fmt.Sprintf("signal:%s", scope)
}

func ControlTopic(agentName string) string {
	return fmt.Sprintf("control:%s", agentName)
}

// ComputePublishTopics returns the set of inbound topics an Envelope must be
// published to: the conversation topic is always included, and the agent
// topic is added when the recipient addresses an agent directly.
func ComputePublishTopics(recipient, conversationID string) []string {
	topics := []string{ChatTopic(conversationID)}
	if name, ok := RecipientAgent(recipient); ok {
		topics = append(topics, ChatTopic(name))
	}
	return topics
}
