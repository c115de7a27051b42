package claudecode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/jholhewres/pandabot/pkg/pandabot/llm"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

var markerPattern = regexp.MustCompile(`(?is)<tool_call>\s*(.*?)\s*</tool_call>`)

// markerPayload accepts both {"tool":..} and {"name":..} spellings, and
// "arguments" as an alias of "input".
type markerPayload struct {
	Tool      string         `json:"tool"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Arguments map[string]any `json:"arguments"`
}

// parseOutcome extracts tool_call markers from a reply. Only well-formed
// markers become calls; if none are, the whole reply is the final answer.
func parseOutcome(reply string) llm.Outcome {
	reply = strings.TrimSpace(reply)
	matches := markerPattern.FindAllStringSubmatchIndex(reply, -1)
	if len(matches) == 0 {
		return llm.FinalAnswer(reply)
	}

	var calls []tools.Call
	var text strings.Builder
	last := 0
	for _, m := range matches {
		call, ok := decodeMarker(reply[m[2]:m[3]])
		if !ok {
			continue
		}
		text.WriteString(reply[last:m[0]])
		last = m[1]
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return llm.FinalAnswer(reply)
	}
	text.WriteString(reply[last:])
	return llm.ToolCallsRequested(collapseBlankLines(text.String()), calls)
}

func decodeMarker(body string) (tools.Call, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return tools.Call{}, false
	}

	var p markerPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return tools.Call{}, false
		}
		p = markerPayload{}
		if err := json.Unmarshal([]byte(fixed), &p); err != nil {
			return tools.Call{}, false
		}
	}

	name := strings.TrimSpace(p.Tool)
	if name == "" {
		name = strings.TrimSpace(p.Name)
	}
	if name == "" {
		return tools.Call{}, false
	}
	input := p.Input
	if input == nil {
		input = p.Arguments
	}
	if input == nil {
		input = map[string]any{}
	}
	return tools.Call{ID: "call_" + uuid.New().String()[:8], Name: name, Input: input}, true
}

// renderMarker writes a call back in marker form so replayed assistant turns
// look like what the model produced.
func renderMarker(c tools.Call) string {
	input := c.Input
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{"tool": c.Name, "input": input})
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"tool": %q, "input": {}}`, c.Name))
	}
	return "<tool_call>\n" + string(raw) + "\n</tool_call>"
}

func collapseBlankLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// toolCatalog renders the tool list and marker protocol appended to the
// system prompt.
func toolCatalog(defs []tools.Definition) string {
	if len(defs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n=== TOOLS ===\n")
	b.WriteString("You can call the tools below. To call one, output exactly:\n\n")
	b.WriteString("<tool_call>\n{\"tool\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n</tool_call>\n\n")
	b.WriteString("After emitting tool_call blocks, stop and wait for the results. ")
	b.WriteString("Several blocks may appear in one reply. ")
	b.WriteString("When you have the final answer, reply with plain text and no tool_call blocks.\n")

	for _, d := range defs {
		fmt.Fprintf(&b, "\n### %s\n%s\n", d.Name, d.Description)

		var schema struct {
			Properties map[string]struct {
				Type        string `json:"type"`
				Description string `json:"description"`
				Enum        []any  `json:"enum"`
			} `json:"properties"`
			Required []string `json:"required"`
		}
		if len(d.Schema) == 0 || json.Unmarshal(d.Schema, &schema) != nil || len(schema.Properties) == 0 {
			continue
		}

		names := make([]string, 0, len(schema.Properties))
		for k := range schema.Properties {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteString("Parameters:\n")
		for _, k := range names {
			p := schema.Properties[k]
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			if len(p.Enum) > 0 {
				vals := make([]string, len(p.Enum))
				for i, v := range p.Enum {
					vals[i] = fmt.Sprint(v)
				}
				typ += " (values: " + strings.Join(vals, ", ") + ")"
			}
			fmt.Fprintf(&b, "  - %s (%s): %s\n", k, typ, p.Description)
		}
		if len(schema.Required) > 0 {
			fmt.Fprintf(&b, "Required: %s\n", strings.Join(schema.Required, ", "))
		}
	}
	b.WriteString("=== END TOOLS ===")
	return b.String()
}
