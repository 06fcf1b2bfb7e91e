package a2a

import "strings"

// DefaultSubjectPrefix is the NATS subject root for agent inboxes. A message
// for recipient "validator-1" travels on "a2a.agent.validator-1".
const DefaultSubjectPrefix = "a2a.agent"

// SubjectForRecipient returns the NATS subject carrying messages addressed to
// the given recipient id. Characters with subject-level meaning are folded to
// underscores so arbitrary ids stay routable.
func SubjectForRecipient(prefix, recipientID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + sanitizeToken(recipientID)
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
