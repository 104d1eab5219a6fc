package realtime

import (
	"strings"

	"github.com/pulsefit/sync_layer/internal/cache"
)

// Route maps one topic template to the query key prefixes each event type
// invalidates. Templates may reference {userID}; prefixes may reference
// {recordID}, substituted from the incoming event.
//
// The mapping is deliberately configuration, not convention: it is the single
// place that says which cached queries a change event touches.
type Route struct {
	Topic  string
	Events map[string][]cache.Key
}

// Routes is the full event-to-invalidation table.
type Routes []Route

const (
	userIDVar   = "{userID}"
	recordIDVar = "{recordID}"

	// EventAny matches every event type on a topic, in addition to any
	// type-specific entry.
	EventAny = "*"
)

// DefaultRoutes is the table the app ships with.
func DefaultRoutes() Routes {
	return Routes{
		{
			Topic: "user:{userID}:goals",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("goals")},
				"UPDATE": {cache.K("goals", recordIDVar)},
				"DELETE": {cache.K("stats")},
			},
		},
		{
			Topic: "user:{userID}:habits",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("habits")},
				"UPDATE": {cache.K("habits", recordIDVar)},
			},
		},
		{
			Topic: "user:{userID}:activities",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("activities"), cache.K("stats")},
			},
		},
		{
			Topic: "user:{userID}:profile",
			Events: map[string][]cache.Key{
				EventAny: {cache.K("profile")},
			},
		},
	}
}

// TopicsFor expands every topic template for the given user.
func (rs Routes) TopicsFor(userID string) []string {
	topics := make([]string, 0, len(rs))
	for _, r := range rs {
		topics = append(topics, expandTopic(r.Topic, userID))
	}
	return topics
}

// PrefixesFor returns the key prefixes invalidated by an event of eventType
// on topic. Both the wildcard entry and the type-specific entry apply.
func (rs Routes) PrefixesFor(topic, eventType, userID, recordID string) []cache.Key {
	for _, r := range rs {
		if expandTopic(r.Topic, userID) != topic {
			continue
		}
		var prefixes []cache.Key
		prefixes = appendPrefixes(prefixes, r.Events[EventAny], recordID)
		if eventType != EventAny {
			prefixes = appendPrefixes(prefixes, r.Events[eventType], recordID)
		}
		return prefixes
	}
	return nil
}

func expandTopic(template, userID string) string {
	return strings.ReplaceAll(template, userIDVar, userID)
}

func appendPrefixes(dst []cache.Key, prefixes []cache.Key, recordID string) []cache.Key {
	for _, p := range prefixes {
		key := make(cache.Key, 0, len(p))
		skip := false
		for _, seg := range p {
			if seg == recordIDVar {
				if recordID == "" {
					// Record-scoped prefix without a record id: nothing to
					// invalidate more precisely than the wildcard already does.
					skip = true
					break
				}
				seg = recordID
			}
			key = append(key, seg)
		}
		if !skip {
			dst = append(dst, key)
		}
	}
	return dst
}
