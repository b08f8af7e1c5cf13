// Package intent maps free text or structured labels onto the closed set of intent types.
package intent

import (
	"strings"
	"unicode"

	"turnline/internal/domain"
)

type keyword struct {
	word string
	typ  domain.IntentType
}

// keywords is scanned in order against lower-cased text; the first hit wins.
// A keyword matches at the start of a word, so "rest" hits "resting" but not
// "forest".
var keywords = []keyword{
	{"hack", domain.IntentHack},
	{"terminal", domain.IntentHack},
	{"bypass", domain.IntentHack},
	{"decrypt", domain.IntentHack},
	{"sneak", domain.IntentSneak},
	{"hide", domain.IntentSneak},
	{"stealth", domain.IntentSneak},
	{"slip past", domain.IntentSneak},
	{"attack", domain.IntentFight},
	{"fight", domain.IntentFight},
	{"shoot", domain.IntentFight},
	{"strike", domain.IntentFight},
	{"ambush", domain.IntentFight},
	{"force", domain.IntentForce},
	{"break", domain.IntentForce},
	{"smash", domain.IntentForce},
	{"kick down", domain.IntentForce},
	{"investigate", domain.IntentInvestigate},
	{"search", domain.IntentInvestigate},
	{"examine", domain.IntentInvestigate},
	{"inspect", domain.IntentInvestigate},
	{"scout", domain.IntentInvestigate},
	{"look", domain.IntentInvestigate},
	{"intel", domain.IntentInvestigate},
	{"buy", domain.IntentBuy},
	{"purchase", domain.IntentBuy},
	{"trade", domain.IntentBuy},
	{"barter", domain.IntentBuy},
	{"use ", domain.IntentUseItem},
	{"equip", domain.IntentUseItem},
	{"drink", domain.IntentUseItem},
	{"rest", domain.IntentRest},
	{"sleep", domain.IntentRest},
	{"recover", domain.IntentRest},
	{"travel", domain.IntentMove},
	{"head to", domain.IntentMove},
	{"go to", domain.IntentMove},
	{"walk", domain.IntentMove},
	{"move", domain.IntentMove},
	{"leave", domain.IntentMove},
	{"retreat", domain.IntentMove},
	{"talk", domain.IntentTalk},
	{"ask", domain.IntentTalk},
	{"persuade", domain.IntentTalk},
	{"negotiate", domain.IntentTalk},
}

// Infer classifies free text. Text matching nothing is TALK.
func Infer(text string) domain.Intent {
	return domain.Intent{
		Type:         Classify(text),
		TargetRefs:   map[string]string{},
		Params:       map[string]any{},
		RawUtterance: text,
	}
}

// Classify returns the intent type for a structured label such as "USE_ITEM"
// or, failing that, for free text via keyword scan.
func Classify(text string) domain.IntentType {
	if t, ok := Parse(text); ok {
		return t
	}
	words := " " + strings.Map(wordRune, strings.ToLower(text)) + " "
	for _, kw := range keywords {
		if strings.Contains(words, " "+kw.word) {
			return kw.typ
		}
	}
	return domain.IntentTalk
}

func wordRune(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return r
	}
	return ' '
}

// Parse matches an exact intent type name, ignoring case and surrounding space.
func Parse(label string) (domain.IntentType, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, t := range domain.IntentTypes {
		if string(t) == normalized {
			return t, true
		}
	}
	return "", false
}
