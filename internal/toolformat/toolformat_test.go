package toolformat

import (
	"strings"
	"testing"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

func TestFor_AllSevenFormatsRegistered(t *testing.T) {
	formats := []orchestration.ToolCallFormat{
		orchestration.FormatNative,
		orchestration.FormatHermes,
		orchestration.FormatMistral,
		orchestration.FormatPythonic,
		orchestration.FormatPureJson,
		orchestration.FormatHarmony,
		orchestration.FormatCodeMode,
	}
	for _, f := range formats {
		if _, ok := For(f); !ok {
			t.Errorf("no dispatcher registered for %v", f)
		}
	}
}

func TestHermesDispatcher_ParseSingleCall(t *testing.T) {
	d, _ := For(orchestration.FormatHermes)
	text := `Let me check the weather.
<tool_call>
{"name": "weather::get", "arguments": {"city": "Seattle"}}
</tool_call>`

	final, calls := d.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.Server != "weather" || c.Tool != "get" {
		t.Errorf("got server=%q tool=%q", c.Server, c.Tool)
	}
	if c.Arguments["city"] != "Seattle" {
		t.Errorf("got arguments=%v", c.Arguments)
	}
	if strings.Contains(final, "<tool_call>") {
		t.Errorf("final text still contains the call block: %q", final)
	}
	if !strings.Contains(final, "Let me check the weather.") {
		t.Errorf("final text lost the surrounding prose: %q", final)
	}
}

func TestHermesDispatcher_MalformedJSONTolerated(t *testing.T) {
	d, _ := For(orchestration.FormatHermes)
	text := `<tool_call>{not valid json at all</tool_call>`
	_, calls := d.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call even for malformed JSON, got %d", len(calls))
	}
	if calls[0].RawArgsError == "" {
		t.Error("expected RawArgsError to be set for malformed JSON")
	}
	if _, ok := calls[0].Arguments["_raw"]; !ok {
		t.Error("expected malformed arguments wrapped under _raw")
	}
}

func TestMistralDispatcher_ParseArrayOfCalls(t *testing.T) {
	d, _ := For(orchestration.FormatMistral)
	text := `[TOOL_CALLS] [{"name": "get_time", "arguments": {}}, {"name": "get_weather", "arguments": {"city": "NYC"}}]`
	_, calls := d.Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 parallel calls, got %d", len(calls))
	}
	if calls[0].Tool != "get_time" || calls[1].Tool != "get_weather" {
		t.Errorf("got %+v", calls)
	}
}

func TestPythonicDispatcher_ParseKeywordArgs(t *testing.T) {
	d, _ := For(orchestration.FormatPythonic)
	text := `get_weather(city="Seattle", days=3)`
	final, calls := d.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Tool != "get_weather" {
		t.Errorf("got tool=%q", calls[0].Tool)
	}
	if calls[0].Arguments["city"] != "Seattle" {
		t.Errorf("got city=%v", calls[0].Arguments["city"])
	}
	if calls[0].Arguments["days"] != float64(3) {
		t.Errorf("got days=%v (%T)", calls[0].Arguments["days"], calls[0].Arguments["days"])
	}
	if strings.TrimSpace(final) != "" {
		t.Errorf("expected no leftover final text, got %q", final)
	}
}

func TestPureJSONDispatcher_ParseSingleObject(t *testing.T) {
	d, _ := For(orchestration.FormatPureJson)
	text := `{"tool": "search", "args": {"query": "golang"}}`
	_, calls := d.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Tool != "search" {
		t.Errorf("got tool=%q", calls[0].Tool)
	}
	if calls[0].Arguments["query"] != "golang" {
		t.Errorf("got query=%v", calls[0].Arguments["query"])
	}
}

func TestHarmonyDispatcher_ToolCallAndNoPreambleLeak(t *testing.T) {
	d, _ := For(orchestration.FormatHarmony)
	text := "<|channel|>analysis<|message|>thinking it over<|end|>" +
		"<|channel|>commentary<|message|>let me check that<|end|>" +
		"<|channel|>commentary to=weather <|constrain|>json<|message|>{\"city\":\"Seattle\"}<|call|>" +
		"<|channel|>final<|message|>Here's the weather.<|end|>"

	final, calls := d.Parse(text)
	if strings.Contains(final, "thinking it over") || strings.Contains(final, "let me check that") {
		t.Errorf("reasoning/preamble segments leaked into final text: %q", final)
	}
	if !strings.Contains(final, "Here's the weather.") {
		t.Errorf("final segment missing from final text: %q", final)
	}
	if len(calls) != 1 || calls[0].Tool != "weather" {
		t.Errorf("got calls=%+v", calls)
	}
}

func TestCodeModeDispatcher_ParseExtractsSingleBlock(t *testing.T) {
	d, _ := For(orchestration.FormatCodeMode)
	text := "```python\nprint(weather_get{city=\"Seattle\"})\n```"
	_, calls := d.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 synthetic call, got %d", len(calls))
	}
	if calls[0].Tool != orchestration.BuiltinPythonExecution {
		t.Errorf("got tool=%q", calls[0].Tool)
	}
	code, _ := calls[0].Arguments["code"].(string)
	if !strings.Contains(code, "weather_get") {
		t.Errorf("expected extracted code to contain the call, got %q", code)
	}
}
