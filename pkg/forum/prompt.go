package forum

import (
	"strings"

	"github.com/bettafish/orchestrator/pkg/llmclient"
)

// buildSystemPrompt returns the moderator's system prompt. Grounded on
// ForumEngine/llm_host.py's _build_system_prompt shape (event sorting,
// viewpoint integration, trend prediction) without carrying over the
// original's Chinese prose verbatim.
func buildSystemPrompt() string {
	return "You are the forum moderator for a multi-agent public-opinion " +
		"analysis system. Your responsibilities:\n" +
		"1. Event sorting: identify key events, actors, and time nodes from " +
		"each agent's statement and order them chronologically.\n" +
		"2. Guided discussion: probe each agent's statements for underlying " +
		"causes and open questions.\n" +
		"3. Correction: when agents contradict each other or state something " +
		"factually inconsistent, point it out directly.\n" +
		"4. Synthesis: integrate the INSIGHT, MEDIA, and QUERY perspectives " +
		"into one coherent view, naming consensus and disagreement.\n" +
		"5. Trend prediction: project how the discussed public opinion is " +
		"likely to develop and flag risk points.\n" +
		"6. Forward direction: suggest new analytical angles for the agents " +
		"to pursue next.\n\n" +
		"Agents: INSIGHT mines historical and private-database comparisons; " +
		"MEDIA analyzes multi-modal reporting and its reach; QUERY supplies " +
		"live web search results.\n\n" +
		"Keep each of your statements under 1000 words, organized, and " +
		"grounded strictly in what the agents said."
}

// buildUserPrompt renders the oldest bufferThreshold forum entries as the
// moderator's input context.
func buildUserPrompt(entries []Entry) string {
	var b strings.Builder
	b.WriteString("Recent agent statements:\n\n")
	for _, e := range entries {
		b.WriteString("[")
		b.WriteString(e.Timestamp)
		b.WriteString("] ")
		b.WriteString(string(e.Source))
		b.WriteString(":\n")
		b.WriteString(e.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("As moderator, synthesize the above into one statement: " +
		"sort events chronologically, integrate and compare the three " +
		"agents' viewpoints, analyze trends and risks, and propose 2-3 " +
		"questions for further discussion.")
	return b.String()
}

// hostMessages builds the chat messages for one moderator invocation.
func hostMessages(entries []Entry) []llmclient.Message {
	return []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: buildSystemPrompt()},
		{Role: llmclient.RoleUser, Content: buildUserPrompt(entries)},
	}
}
