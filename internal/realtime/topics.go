package realtime

import (
	"launchpad/internal/launch"
	"launchpad/internal/statussync"
)

// LaunchTopic carries saga events for every attempt.
const LaunchTopic = "launch"

// EntityTopic names the topic for one synchronized entity.
func EntityTopic(id string) string {
	return "entity:" + id
}

// StatusCallback forwards sync notifications to the entity's topic.
func (h *Hub) StatusCallback() statussync.Callback {
	return func(detail statussync.EntityDetail) {
		if err := h.Publish(EntityTopic(detail.ID), detail); err != nil {
			h.logf("realtime publish entity=%s: %v", detail.ID, err)
		}
	}
}

type launchFrame struct {
	launch.Event
	Error string `json:"error,omitempty"`
}

// PublishLaunch relays one saga event to LaunchTopic.
func (h *Hub) PublishLaunch(ev launch.Event) {
	frame := launchFrame{Event: ev}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	if err := h.Publish(LaunchTopic, frame); err != nil {
		h.logf("realtime publish attempt=%s: %v", ev.AttemptID, err)
	}
}
