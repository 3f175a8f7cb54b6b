package flow

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

// escapePhrases request an immediate transfer to a human. Matched
// case-insensitively as substrings, independent of the current step.
var escapePhrases = []string{
	"falar com atendente",
	"falar com um atendente",
	"falar com atendimento",
	"atendimento humano",
	"falar com humano",
	"falar com uma pessoa",
	"quero um atendente",
	"falar com advogado",
}

// confusionMarkers flag a long free-text message as a struggling user.
var confusionMarkers = []string{
	"não sei",
	"nao sei",
	"não entendi",
	"nao entendi",
	"confuso",
	"confusa",
}

// confusionLengthThreshold is the minimum rune count for the confusion
// heuristic. Short replies containing "não sei" are a legitimate answer
// attempt, not a cry for help.
const confusionLengthThreshold = 60

// universalPhrases map free-text synonyms onto universal command tokens, so
// typed commands work the same as button taps.
var universalPhrases = map[string]string{
	"recomeçar":        templates.TokenRestart,
	"recomecar":        templates.TokenRestart,
	"reiniciar":        templates.TokenRestart,
	"começar de novo":  templates.TokenRestart,
	"comecar de novo":  templates.TokenRestart,
	"tentar novamente": templates.TokenTryAgain,
	"tentar de novo":   templates.TokenTryAgain,
	"explicar":         templates.TokenExplain,
	"continuar":        templates.TokenContinueBot,
	"atendente":        templates.TokenHumanAgent,
}

// universalTokens are the command ids accepted verbatim on any step.
var universalTokens = map[string]bool{
	templates.TokenRestart:     true,
	templates.TokenTryAgain:    true,
	templates.TokenExplain:     true,
	templates.TokenContinueBot: true,
	templates.TokenHumanAgent:  true,
	templates.TokenNewRequest:  true,
}

// ProcessInput normalizes one inbound message. Detection order: escape
// phrases, universal commands, the presented options by id, 1-based option
// number, or label, then the step whitelist by id or label. presented is the
// option set of the message the user is replying to; numbered replies resolve
// only against it, so a "2" sent to a guidance menu never selects the second
// step answer. An empty presented set falls back to the step options.
func ProcessInput(raw string, presented, step []models.MessageOption) models.ProcessedInput {
	input := models.ProcessedInput{Raw: raw}
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return input
	}
	input.IsValid = true

	if isEscape(normalized) {
		input.IsEscape = true
		input.Token = templates.TokenHumanAgent
		return input
	}

	if universalTokens[normalized] {
		input.Token = normalized
		if normalized == templates.TokenHumanAgent {
			input.IsEscape = true
		}
		return input
	}
	for phrase, token := range universalPhrases {
		if normalized == phrase {
			input.Token = token
			input.IsEscape = token == templates.TokenHumanAgent
			return input
		}
	}

	if len(presented) == 0 {
		presented = step
	}
	if token, ok := matchOption(normalized, presented, true); ok {
		return tokenInput(input, token)
	}
	// A direct step answer stays valid while a guidance menu is up, but
	// without ordinal matching; the numbers on screen belong to the menu.
	if token, ok := matchOption(normalized, step, false); ok {
		return tokenInput(input, token)
	}
	return input
}

// matchOption resolves a normalized reply against one option set.
// ordinals enables 1-based option-number selection, matching the
// numbered-option rendering.
func matchOption(normalized string, options []models.MessageOption, ordinals bool) (string, bool) {
	for i, opt := range options {
		if normalized == strings.ToLower(opt.ID) || normalized == strings.ToLower(opt.Label) {
			return opt.ID, true
		}
		if ordinals && normalized == strconv.Itoa(i+1) {
			return opt.ID, true
		}
	}
	return "", false
}

func tokenInput(input models.ProcessedInput, token string) models.ProcessedInput {
	input.Token = token
	if token == templates.TokenHumanAgent {
		input.IsEscape = true
	}
	return input
}

func isEscape(normalized string) bool {
	for _, phrase := range escapePhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	if utf8.RuneCountInString(normalized) >= confusionLengthThreshold {
		for _, marker := range confusionMarkers {
			if strings.Contains(normalized, marker) {
				return true
			}
		}
	}
	return false
}
