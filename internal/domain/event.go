package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the push-side operation on a row.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Table names the entity family a push event belongs to.
type Table string

const (
	TableMembers   Table = "members"
	TableMessages  Table = "messages"
	TablePosts     Table = "posts"
	TableReactions Table = "reactions"
)

// Validate rejects unknown tables.
func (t Table) Validate() error {
	switch t {
	case TableMembers, TableMessages, TablePosts, TableReactions:
		return nil
	default:
		return errFieldInvalid("event", "table", string(t))
	}
}

// Event is one push-transport delivery for a subscribed scope. The row is
// the complete record, never a partial diff; consumers decode it with the
// typed helpers below before touching the cache.
type Event struct {
	Type      EventType       `json:"event_type"`
	Table     Table           `json:"table"`
	ServerID  string          `json:"server_id"`
	ChannelID string          `json:"channel_id,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
}

// Validate rejects events with an unknown operation, unknown table, or
// missing scope fields.
func (e Event) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return errFieldInvalid("event", "event_type", string(e.Type))
	}
	if err := e.Table.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.ServerID) == "" {
		return errFieldRequired("event", "server_id")
	}
	if (e.Table == TableMessages || e.Table == TablePosts) && strings.TrimSpace(e.ChannelID) == "" {
		return errFieldRequired("event", "channel_id")
	}
	return nil
}

// DecodeMember decodes and validates a member row from the event payload.
func (e Event) DecodeMember() (Member, error) {
	var member Member
	if err := json.Unmarshal(e.Row, &member); err != nil {
		return Member{}, fmt.Errorf("decode member row: %w", err)
	}
	if err := ValidateMember(member); err != nil {
		return Member{}, err
	}
	return member, nil
}

// DecodeMessage decodes and validates a message row from the event payload.
func (e Event) DecodeMessage() (Message, error) {
	var message Message
	if err := json.Unmarshal(e.Row, &message); err != nil {
		return Message{}, fmt.Errorf("decode message row: %w", err)
	}
	if err := ValidateMessage(message); err != nil {
		return Message{}, err
	}
	return message, nil
}

// DecodePost decodes and validates a post row from the event payload.
func (e Event) DecodePost() (Post, error) {
	var post Post
	if err := json.Unmarshal(e.Row, &post); err != nil {
		return Post{}, fmt.Errorf("decode post row: %w", err)
	}
	if err := ValidatePost(post); err != nil {
		return Post{}, err
	}
	return post, nil
}

// DecodeReactions decodes a reaction aggregate row from the event payload.
func (e Event) DecodeReactions() (Reactions, error) {
	var reactions Reactions
	if err := json.Unmarshal(e.Row, &reactions); err != nil {
		return Reactions{}, fmt.Errorf("decode reactions row: %w", err)
	}
	if strings.TrimSpace(reactions.PostID) == "" {
		return Reactions{}, errFieldRequired("reactions", "post_id")
	}
	return reactions, nil
}

func errFieldRequired(entity, field string) error {
	return fmt.Errorf("%s %s is required", entity, field)
}

func errFieldInvalid(entity, field, value string) error {
	return fmt.Errorf("%s %s %q is invalid", entity, field, value)
}
