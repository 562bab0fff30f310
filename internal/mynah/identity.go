package mynah

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Every derived id lives under this namespace. Changing it orphans every stored record.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/jdholdren/mynah"))

// DeterministicID hashes the parts into a stable UUIDv5.
func DeterministicID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "-"))).String()
}

// MemoryID is the key of the one record an agent may hold for an item.
func MemoryID(itemID, agentID string) string {
	return DeterministicID(itemID, agentID)
}

// RoomID groups an agent's records by conversation.
func RoomID(conversationID, agentID string) string {
	return DeterministicID(conversationID, agentID)
}

// UserID is the identity used for third-party authors.
func UserID(authorID string) string {
	return DeterministicID(authorID)
}

// CompareIDs orders two item ids numerically, returning -1, 0 or +1.
//
// Ids that are not base-10 integers are compared as plain strings.
func CompareIDs(a, b string) int {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return strings.Compare(a, b)
	}

	return x.Cmp(y)
}

// NewRecord builds the record an agent stores for an item.
func NewRecord(item FeedItem, agentID, userID string) MemoryRecord {
	rec := MemoryRecord{
		ID:      MemoryID(item.ID, agentID),
		AgentID: agentID,
		UserID:  userID,
		RoomID:  RoomID(item.ConversationID, agentID),
		Content: RecordContent{
			Text:   item.Text,
			URL:    item.PermanentURL,
			Source: SourceTag,
		},
		CreatedAt: item.CreatedAt * 1000,
	}
	if item.InReplyToID != "" {
		rec.Content.InReplyTo = MemoryID(item.InReplyToID, agentID)
	}

	return rec
}
