// Package domain contains core domain types for the Coinmeadow agent service.
package domain

import (
	"sort"
	"time"
)

// Message is a single chat message within a peer conversation.
// Messages are immutable after creation; they are only appended or loaded.
type Message struct {
	ID               string    `json:"id"`
	SenderAddress    string    `json:"sender_address"`
	RecipientAddress string    `json:"recipient_address"`
	SentAt           time.Time `json:"sent_at"`
	Content          string    `json:"content"`
	ConversationID   string    `json:"conversation_id"`
}

// Conversation is the ordered message history for one peer address.
// Messages are kept ascending by SentAt.
type Conversation struct {
	PeerAddress string    `json:"peer_address"`
	Messages    []Message `json:"messages"`
}

// MergeMessages combines two message lists, deduplicating by ID and returning
// the result sorted ascending by SentAt. On duplicate IDs the entry from the
// later list wins.
func MergeMessages(stored, live []Message) []Message {
	byID := make(map[string]Message, len(stored)+len(live))
	order := make([]string, 0, len(stored)+len(live))

	for _, m := range stored {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, m := range live {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	merged := make([]Message, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SentAt.Before(merged[j].SentAt)
	})
	return merged
}

// ContainsID reports whether a message with the given ID exists in msgs.
func ContainsID(msgs []Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
