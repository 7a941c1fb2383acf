package toolformat

import (
	"regexp"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// harmonyDispatcher implements OpenAI gpt-oss's Harmony channel format
// (§4.4 table, row 6). The model is native to this format; no explicit
// prompt instruction is needed.
type harmonyDispatcher struct{}

func (harmonyDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatHarmony }

func (harmonyDispatcher) PromptInstruction([]orchestration.ToolSchema) string {
	return "" // native to the model (§4.4).
}

// harmonySegmentRe matches one channel header up to <|message|>:
//   channel name, optional " to=TARGET", optional "<|constrain|>kind".
var harmonySegmentRe = regexp.MustCompile(`^([a-zA-Z]+)(?:\s+to=(\S+))?\s*(?:<\|constrain\|>(\w+))?<\|message\|>`)

// HarmonySegmentKind is the bit-exact channel mapping from §4.4.
type HarmonySegmentKind string

const (
	HarmonyReasoning HarmonySegmentKind = "reasoning" // analysis, hidden
	HarmonyToolCall  HarmonySegmentKind = "tool_call"  // commentary to=T
	HarmonyPreamble  HarmonySegmentKind = "preamble"   // commentary, no to=
	HarmonyFinal     HarmonySegmentKind = "final"      // user-visible
)

// HarmonySegment is one parsed channel segment.
type HarmonySegment struct {
	Kind HarmonySegmentKind
	Text string                          // body text for reasoning/preamble/final
	Call orchestration.ParsedToolCall // set when Kind == HarmonyToolCall
}

// HarmonyResult is the full decomposition of one Harmony-formatted
// response, exposing reasoning/preamble segments the plain Dispatcher
// interface can't carry (it only returns final text + calls).
type HarmonyResult struct {
	Segments []HarmonySegment
}

// ParseHarmony implements the bit-exact channel mapping of §4.4:
//   <|channel|>analysis<|message|>…                              → reasoning
//   <|channel|>commentary to=T <|constrain|>json<|message|>…<|call|> → tool call to T
//   <|channel|>commentary<|message|>…  (no to=)                  → preamble text
//   <|channel|>final<|message|>…                                 → user-visible
func ParseHarmony(text string) HarmonyResult {
	var result HarmonyResult
	pieces := strings.Split(text, "<|channel|>")
	for _, piece := range pieces[1:] { // pieces[0] is anything before the first channel marker
		m := harmonySegmentRe.FindStringSubmatchIndex(piece)
		if m == nil {
			continue
		}
		channel := submatch(piece, m, 1)
		target := submatch(piece, m, 2)
		bodyStart := m[1]
		body := piece[bodyStart:]
		body = trimHarmonyTerminators(body)

		switch {
		case channel == "analysis":
			result.Segments = append(result.Segments, HarmonySegment{Kind: HarmonyReasoning, Text: strings.TrimSpace(body)})
		case channel == "commentary" && target != "":
			c := newCall(target, body, "<|channel|>"+piece, "")
			result.Segments = append(result.Segments, HarmonySegment{Kind: HarmonyToolCall, Call: c})
		case channel == "commentary":
			result.Segments = append(result.Segments, HarmonySegment{Kind: HarmonyPreamble, Text: strings.TrimSpace(body)})
		case channel == "final":
			result.Segments = append(result.Segments, HarmonySegment{Kind: HarmonyFinal, Text: strings.TrimSpace(body)})
		}
	}
	return result
}

func submatch(s string, idx []int, group int) string {
	start, end := idx[group*2], idx[group*2+1]
	if start < 0 {
		return ""
	}
	return s[start:end]
}

// trimHarmonyTerminators strips a trailing <|call|>, <|end|>, or <|start|>
// (the next segment boundary markers the teacher's wire format uses) from a
// channel body.
func trimHarmonyTerminators(body string) string {
	for _, term := range []string{"<|call|>", "<|end|>", "<|start|>"} {
		if i := strings.Index(body, term); i >= 0 {
			return body[:i]
		}
	}
	return body
}

// Parse satisfies the Dispatcher interface: final text is the concatenation
// of HarmonyFinal segments (reasoning/preamble are not "user-visible text",
// per §8 scenario 1: "zero user-visible text from the preamble").
func (harmonyDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	res := ParseHarmony(text)
	var final []string
	var calls []orchestration.ParsedToolCall
	for _, seg := range res.Segments {
		switch seg.Kind {
		case HarmonyFinal:
			final = append(final, seg.Text)
		case HarmonyToolCall:
			calls = append(calls, seg.Call)
		}
	}
	return strings.Join(final, "\n"), calls
}

// FormatResult wraps a tool result per §4.4's Harmony result wrapper:
// `<|start|>tool to=TOOL<|message|>{…}<|end|>`.
func (harmonyDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	body := content
	if toolErr != "" {
		body = content + "\n[error] " + toolErr
	}
	return llm.Message{
		Role:    llm.RoleUser,
		Content: "<|start|>tool to=" + call.FullyQualifiedName() + "<|message|>" + body + "<|end|>",
	}
}
