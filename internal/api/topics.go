package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/mqtt"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// TopicTracker provides a runtime view of recently published topics.
// Implemented by the MQTT publisher.
type TopicTracker interface {
	ActiveTopics(limit int) []mqtt.TopicStat
	Topic(r domain.TagRecord) string
}

// SubscriptionProvider provides the MQTT subscription patterns in use.
// Implemented by the command handler.
type SubscriptionProvider interface {
	SubscribedTopics() []string
}

// TopicRoute is the live topic filter covering one polling group.
type TopicRoute struct {
	GroupID    string `json:"group_id"`
	DeviceCode string `json:"device_code"`
	State      string `json:"state"`
	Filter     string `json:"filter"`
}

// TopicsOverview is the body of GET /api/topics.
type TopicsOverview struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	ActiveTopics  []mqtt.TopicStat `json:"active_topics"`
	Subscriptions []string         `json:"subscriptions"`
	Routes        []TopicRoute     `json:"routes"`
}

// TopicsOverviewHandler returns active topics (recent publishes),
// subscription patterns, and the topic filter of every polling group.
func (h *APIHandler) TopicsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	active := []mqtt.TopicStat{}
	routes := []TopicRoute{}
	if h.topicTracker != nil {
		active = h.topicTracker.ActiveTopics(limit)
		for _, u := range h.engine.Units() {
			routes = append(routes, TopicRoute{
				GroupID:    u.GroupID,
				DeviceCode: u.DeviceCode,
				State:      string(u.State),
				Filter:     h.topicTracker.Topic(domain.TagRecord{DeviceCode: u.DeviceCode, Address: "+"}),
			})
		}
	}

	subscriptions := []string{}
	if h.subscriptions != nil {
		subscriptions = h.subscriptions.SubscribedTopics()
		sort.Strings(subscriptions)
	}

	writeJSON(w, http.StatusOK, TopicsOverview{
		GeneratedAt:   time.Now(),
		ActiveTopics:  active,
		Subscriptions: subscriptions,
		Routes:        routes,
	})
}
