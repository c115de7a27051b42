package copilot

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// stopPhrases are standalone messages that stop a running loop, in the
// languages pandabot users write in.
var stopPhrases = map[string]bool{
	// English
	"stop": true, "abort": true, "cancel": true, "halt": true, "interrupt": true,
	"please stop": true, "stop please": true, "stop it": true, "stop now": true,
	"stop pandabot": true, "pandabot stop": true,

	// Portuguese
	"pare": true, "parar": true, "para": true, "pare agora": true, "pare por favor": true,
	"por favor pare": true, "cancela": true, "cancelar": true, "interromper": true,

	// Spanish
	"detente": true, "deten": true, "detén": true, "alto": true, "cancelalo": true,

	// French
	"arrete": true, "arrête": true, "arreter": true, "arrêter": true, "arretez": true, "arrêtez": true,

	// German
	"stopp": true, "anhalten": true, "hör auf": true, "hoer auf": true, "aufhören": true,

	// Russian
	"стоп": true, "остановись": true, "прекрати": true,

	// Chinese and Japanese
	"停止": true, "停": true, "やめて": true, "ストップ": true,
}

var trailingPunct = regexp.MustCompile(`[.!?…,，。;；:：'"’”)\]]+$`)

// normalizeStopText folds width and case, drops @mentions and trailing
// punctuation, and collapses whitespace.
func normalizeStopText(text string) string {
	s := strings.ToLower(norm.NFKC.String(text))
	s = strings.Map(func(r rune) rune {
		if r == '’' || r == '‘' || r == '`' {
			return '\''
		}
		return r
	}, s)

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	s = strings.Join(kept, " ")
	s = trailingPunct.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// IsStopPhrase reports whether text, on its own, asks to stop the agent.
func IsStopPhrase(text string) bool {
	s := normalizeStopText(text)
	return s != "" && stopPhrases[s]
}
