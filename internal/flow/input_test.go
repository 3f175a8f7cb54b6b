package flow

import (
	"strings"
	"testing"

	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/templates"
)

func TestProcessInputTokenDetection(t *testing.T) {
	options := []models.MessageOption{
		{ID: templates.TokenClientNew, Label: "Sou cliente novo"},
		{ID: templates.TokenClientReturning, Label: "Já sou cliente"},
	}

	tests := []struct {
		name      string
		raw       string
		wantToken string
		wantValid bool
	}{
		{"option id", "new", templates.TokenClientNew, true},
		{"option id uppercase", "NEW", templates.TokenClientNew, true},
		{"option number", "1", templates.TokenClientNew, true},
		{"second option number", "2", templates.TokenClientReturning, true},
		{"option label", "Sou cliente novo", templates.TokenClientNew, true},
		{"label case insensitive", "sou CLIENTE novo", templates.TokenClientNew, true},
		{"free text no match", "quero processar meu vizinho", "", true},
		{"empty", "", "", false},
		{"whitespace only", "   \t ", "", false},
		{"restart phrase", "recomeçar", templates.TokenRestart, true},
		{"restart token", "restart", templates.TokenRestart, true},
		{"try again phrase", "tentar novamente", templates.TokenTryAgain, true},
		{"explain phrase", "explicar", templates.TokenExplain, true},
		{"continue phrase", "continuar", templates.TokenContinueBot, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ProcessInput(tc.raw, nil, options)
			if got.Token != tc.wantToken {
				t.Errorf("token = %q, want %q", got.Token, tc.wantToken)
			}
			if got.IsValid != tc.wantValid {
				t.Errorf("valid = %v, want %v", got.IsValid, tc.wantValid)
			}
			if got.IsEscape {
				t.Errorf("unexpected escape for %q", tc.raw)
			}
		})
	}
}

func TestProcessInputEscapeDetection(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"exact phrase", "falar com atendente", true},
		{"uppercase", "FALAR COM ATENDENTE", true},
		{"embedded in sentence", "por favor, quero falar com atendente agora", true},
		{"whitespace padded", "  falar com humano  ", true},
		{"single word atendente", "atendente", true},
		{"long confused message", strings.Repeat("eu realmente ", 5) + "não sei o que escolher aqui, estou confuso com tudo isso", true},
		{"short nao sei is an answer attempt", "não sei", false},
		{"ordinary answer", "civil", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ProcessInput(tc.raw, nil, nil)
			if got.IsEscape != tc.want {
				t.Errorf("IsEscape(%q) = %v, want %v", tc.raw, got.IsEscape, tc.want)
			}
			if tc.want && got.Token != templates.TokenHumanAgent {
				t.Errorf("escape token = %q, want %q", got.Token, templates.TokenHumanAgent)
			}
		})
	}
}

func TestProcessInputHumanAgentOptionIsEscape(t *testing.T) {
	options := []models.MessageOption{
		{ID: templates.TokenTryAgain, Label: "Tentar novamente"},
		{ID: templates.TokenHumanAgent, Label: "Falar com atendente"},
	}
	got := ProcessInput("human_agent", options, nil)
	if !got.IsEscape {
		t.Error("human_agent token should signal escape")
	}
	got = ProcessInput("try_again", options, nil)
	if got.IsEscape {
		t.Error("try_again token should not signal escape")
	}
}

func TestProcessInputResolvesNumbersAgainstPresentedOptions(t *testing.T) {
	menu := []models.MessageOption{
		{ID: templates.TokenTryAgain, Label: "Tentar novamente"},
		{ID: templates.TokenExplain, Label: "Explicar as opções"},
		{ID: templates.TokenHumanAgent, Label: "Falar com atendente"},
	}
	step := []models.MessageOption{
		{ID: templates.TokenClientNew, Label: "Sou cliente novo"},
		{ID: templates.TokenClientReturning, Label: "Já sou cliente"},
	}

	got := ProcessInput("2", menu, step)
	if got.Token != templates.TokenExplain {
		t.Errorf("number sent to a menu resolved to %q, want %q", got.Token, templates.TokenExplain)
	}
	got = ProcessInput("3", menu, step)
	if got.Token != templates.TokenHumanAgent || !got.IsEscape {
		t.Errorf("third menu option = %+v, want human agent escape", got)
	}

	// Direct step answers stay valid while a menu is up, by id or label.
	got = ProcessInput("new", menu, step)
	if got.Token != templates.TokenClientNew {
		t.Errorf("step id during menu = %q, want %q", got.Token, templates.TokenClientNew)
	}
	got = ProcessInput("já sou cliente", menu, step)
	if got.Token != templates.TokenClientReturning {
		t.Errorf("step label during menu = %q, want %q", got.Token, templates.TokenClientReturning)
	}

	// But the numbers on screen never select a step answer.
	got = ProcessInput("4", menu, step)
	if got.Token != "" {
		t.Errorf("out-of-menu number resolved to %q, want no token", got.Token)
	}
}
