package thread

import "fmt"

// Filter selects messages for a waiting agent. A waiter's filters are ANDed.
type Filter interface {
	Match(msg *Message, self string) bool
	String() string
}

type threadFilter string

func (f threadFilter) Match(msg *Message, _ string) bool { return msg.ThreadID == string(f) }
func (f threadFilter) String() string                    { return fmt.Sprintf("thread=%s", string(f)) }

type senderFilter string

func (f senderFilter) Match(msg *Message, _ string) bool { return msg.Sender == string(f) }
func (f senderFilter) String() string                    { return fmt.Sprintf("from=%s", string(f)) }

type mentionFilter struct{}

func (mentionFilter) Match(msg *Message, self string) bool { return msg.Mentioned(self) }
func (mentionFilter) String() string                       { return "mentions=self" }

// InThread matches messages posted to the given thread.
func InThread(threadID string) Filter { return threadFilter(threadID) }

// FromSender matches messages sent by the named agent.
func FromSender(name string) Filter { return senderFilter(name) }

// MentionsSelf matches messages that mention the waiting agent.
func MentionsSelf() Filter { return mentionFilter{} }

// MatchAll reports whether msg satisfies every filter for the agent self.
func MatchAll(filters []Filter, msg *Message, self string) bool {
	for _, f := range filters {
		if !f.Match(msg, self) {
			return false
		}
	}
	return true
}

// Describe renders filters for logs and events.
func Describe(filters []Filter) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.String())
	}
	return out
}
