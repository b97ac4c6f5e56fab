// Package roomid computes room identifiers. All functions are pure and
// independent of argument order.
package roomid

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

const (
	CommunityPrefix = "community_"

	directSeparator = "$"
	matchSeparator  = "#"
)

// Direct returns the room id of the 1:1 conversation between two users:
// hex SHA-256 of both ids sorted and joined with a separator, so neither
// side can derive it without knowing both identities.
func Direct(u1, u2 string) string {
	sum := sha256.Sum256([]byte(sortedJoin(u1, u2, directSeparator)))
	return hex.EncodeToString(sum[:])
}

// Community returns the room id of a community conversation.
func Community(communityID string) string {
	return CommunityPrefix + communityID
}

// Match returns the room id of an ephemeral matched pair of connections.
func Match(c1, c2 string) string {
	return sortedJoin(c1, c2, matchSeparator)
}

func sortedJoin(a, b, sep string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + sep + ids[1]
}
