package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/sync_layer/internal/cache"
)

func TestTopicsForExpandsUser(t *testing.T) {
	topics := DefaultRoutes().TopicsFor("u42")
	require.NotEmpty(t, topics)
	assert.Contains(t, topics, "user:u42:goals")
	assert.Contains(t, topics, "user:u42:habits")
	for _, topic := range topics {
		assert.NotContains(t, topic, "{userID}")
	}
}

func TestPrefixesForWildcardAndSpecific(t *testing.T) {
	routes := Routes{{
		Topic: "user:{userID}:goals",
		Events: map[string][]cache.Key{
			EventAny: {cache.K("goals")},
			"UPDATE": {cache.K("goals", "{recordID}")},
		},
	}}

	prefixes := routes.PrefixesFor("user:u1:goals", "UPDATE", "u1", "g7")
	require.Len(t, prefixes, 2)
	assert.Equal(t, cache.K("goals"), prefixes[0])
	assert.Equal(t, cache.K("goals", "g7"), prefixes[1])

	// INSERT has no specific entry; only the wildcard applies.
	prefixes = routes.PrefixesFor("user:u1:goals", "INSERT", "u1", "g7")
	require.Len(t, prefixes, 1)
	assert.Equal(t, cache.K("goals"), prefixes[0])
}

func TestPrefixesForSkipsRecordPrefixWithoutRecordID(t *testing.T) {
	routes := Routes{{
		Topic: "user:{userID}:goals",
		Events: map[string][]cache.Key{
			"UPDATE": {cache.K("goals", "{recordID}")},
		},
	}}

	prefixes := routes.PrefixesFor("user:u1:goals", "UPDATE", "u1", "")
	assert.Empty(t, prefixes)
}

func TestPrefixesForUnknownTopic(t *testing.T) {
	prefixes := DefaultRoutes().PrefixesFor("user:u1:unknown", "INSERT", "u1", "")
	assert.Nil(t, prefixes)
}

func TestPrefixesForWrongUserTopic(t *testing.T) {
	// A topic expanded for another user must not match.
	prefixes := DefaultRoutes().PrefixesFor("user:u2:goals", "INSERT", "u1", "")
	assert.Nil(t, prefixes)
}
