package subagent

import "fmt"

// excerptThreshold is the cutoff past which a completion notice embeds only
// an excerpt plus a pointer to get_subagent_result (spec §4.5 notification
// formatting).
const excerptThreshold = 500

func formatCompletionNotice(label, requestID, output string) string {
	runes := []rune(output)
	if len(runes) <= excerptThreshold {
		return fmt.Sprintf("[SYSTEM] Sub-agent '%s' completed.\n\n%s", label, output)
	}
	excerpt := string(runes[:excerptThreshold])
	return fmt.Sprintf("[SYSTEM] Sub-agent '%s' completed.\n\n%s...\nUse get_subagent_result(id=\"%s\") to read the full output.",
		label, excerpt, requestID)
}

func formatFailureNotice(label, errMsg string) string {
	return fmt.Sprintf("[SYSTEM] Sub-agent '%s' failed.\nError: %s", label, errMsg)
}

func formatTimeoutNotice(label string, timeoutMin int) string {
	return fmt.Sprintf("[SYSTEM] Sub-agent '%s' timed out after %d minutes.", label, timeoutMin)
}
