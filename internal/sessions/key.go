// Package sessions — session key builder and parser.
//
// Session keys follow the spec's canonical format:
//
//	session_key = "<channel>:<external-id>"
//
// The leading token up to the first colon names the channel (spec §6.1).
// Cron and sub-agent invocations use their own dedicated key forms that
// never collide with a channel-originated key.
package sessions

import "strings"

// BuildSessionKey builds the canonical session_key for a channel conversation.
//
//	"<channel>:<external-id>"
func BuildSessionKey(channel, externalID string) string {
	return channel + ":" + externalID
}

// ParseSessionKey splits a session_key into its channel and external-id parts.
// Returns ("", "") if the key has no colon separator.
func ParseSessionKey(key string) (channel, externalID string) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", ""
	}
	return key[:idx], key[idx+1:]
}

// BuildCronSessionKey builds the dedicated session key a cron firing runs
// against (spec §4.6): "cron:{workspace}:{cron_name}". Cron invocations never
// touch a user session.
func BuildCronSessionKey(workspace, cronName string) string {
	return "cron:" + workspace + ":" + cronName
}

// IsCronSession reports whether a session key is a cron-dedicated key.
func IsCronSession(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// BuildSubagentSessionKey builds the session key for a sub-agent invocation,
// scoped under its parent so sub-agent transcripts never collide with a
// channel session of the same label.
func BuildSubagentSessionKey(parentSessionKey, requestID string) string {
	return "subagent:" + parentSessionKey + ":" + requestID
}

// IsSubagentSession reports whether a session key designates a sub-agent run.
func IsSubagentSession(key string) bool {
	return strings.HasPrefix(key, "subagent:")
}
