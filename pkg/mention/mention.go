// Package mention implements the deterministic response filter: given an
// agent and an inbound message, should the agent reply? The filter is
// memoryless; turn budgets are enforced elsewhere.
package mention

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yysun/agent-world/pkg/world"
)

// mentionRe matches @<word> where <word> begins with a letter and continues
// with letters, digits, hyphens or underscores. Malformed tokens (@@, @123,
// @-x) never match.
var mentionRe = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_-]*)`)

// Mention is one well-formed @name token found in a message.
type Mention struct {
	Name  string
	Index int // byte offset of the '@' in the message
}

// Extract returns the well-formed mentions in content, in order. A match
// directly preceded by '@', a letter or a digit is not a mention (rules out
// `@@name` and the host part of e-mail addresses).
func Extract(content string) []Mention {
	var mentions []Mention
	for _, loc := range mentionRe.FindAllStringSubmatchIndex(content, -1) {
		start := loc[0]
		if start > 0 {
			prev := rune(content[start-1])
			if prev == '@' || unicode.IsLetter(prev) || unicode.IsDigit(prev) {
				continue
			}
		}
		mentions = append(mentions, Mention{
			Name:  content[loc[2]:loc[3]],
			Index: start,
		})
	}
	return mentions
}

// paragraphLeading reports whether a mention at the given offset begins a new
// paragraph or the message itself, ignoring leading whitespace.
func paragraphLeading(content string, index int) bool {
	prefix := content[:index]
	if nl := strings.LastIndexByte(prefix, '\n'); nl >= 0 {
		prefix = prefix[nl+1:]
	}
	return strings.TrimSpace(prefix) == ""
}

func matchesAgent(name, agentID, agentName string) bool {
	return strings.EqualFold(name, agentID) || strings.EqualFold(name, agentName)
}

// ShouldRespond decides whether the agent replies to the message.
//
// A message addressed by mention goes only to the first mentioned agent, and
// only when that mention opens a paragraph; mid-text mentions are
// conversational references and trigger nobody. Mention-free human messages
// broadcast to every agent; mention-free agent messages reach no one, which
// keeps agent-to-agent loops from forming.
func ShouldRespond(agentID, agentName string, msg world.AgentMessage) bool {
	// Never respond to one's own message.
	if msg.Sender != "" &&
		(strings.EqualFold(msg.Sender, agentID) || strings.EqualFold(msg.Sender, agentName)) {
		return false
	}

	// System messages always reach every agent.
	if msg.Sender == "" || strings.EqualFold(msg.Sender, "system") {
		return true
	}

	mentions := Extract(msg.Content)
	if len(mentions) > 0 {
		first := mentions[0]
		if !paragraphLeading(msg.Content, first.Index) {
			return false
		}
		return matchesAgent(first.Name, agentID, agentName)
	}

	// No mentions: humans broadcast, agents do not.
	return world.IsHumanSender(msg.Sender)
}
