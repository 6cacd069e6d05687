// Package report provides the moderation chat-log pipeline: the core
// publishes a session's transcript when it ends, and the archiver persists
// it to PostgreSQL for moderator review.
package report

import "time"

// KindChatLog marks a log record produced by session teardown, as opposed to
// a user-filed report.
const KindChatLog = "CHAT_LOG"

// LogMessage is one transcript message inside an archived chat log. Senders
// are labeled by alias so moderators see the same pseudonyms the users did.
type LogMessage struct {
	Sender string    `json:"sender"` // sender's alias
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// ChatLog is a session transcript archived at teardown. AliasA and AliasB
// record which alias each participant used, so moderation can map a flagged
// sender back to a user ID.
type ChatLog struct {
	ParticipantA string       `json:"participant_a"`
	ParticipantB string       `json:"participant_b"`
	AliasA       string       `json:"alias_a"`
	AliasB       string       `json:"alias_b"`
	Kind         string       `json:"kind"`
	Reason       string       `json:"reason"`
	Messages     []LogMessage `json:"messages"`
	EndedAt      time.Time    `json:"ended_at"`
}

// SenderID maps a message's sender alias back to the participant's user ID.
// Returns "" for an alias that belongs to neither participant.
func (cl *ChatLog) SenderID(alias string) string {
	switch alias {
	case cl.AliasA:
		return cl.ParticipantA
	case cl.AliasB:
		return cl.ParticipantB
	}
	return ""
}
