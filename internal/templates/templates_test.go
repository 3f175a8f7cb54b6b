package templates

import (
	"strings"
	"testing"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

func TestWelcomeMessagesIncludeFirmName(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")
	msgs := p.WelcomeMessages()
	if len(msgs) != 2 {
		t.Fatalf("welcome messages = %d, want greeting plus first question", len(msgs))
	}
	if !strings.Contains(msgs[0].Body, "Silva & Prado Advogados") {
		t.Errorf("greeting missing firm name: %s", msgs[0].Body)
	}
	if msgs[1].Kind != models.MessageKindInteractive {
		t.Errorf("first question kind = %s, want interactive", msgs[1].Kind)
	}
}

func TestNewProviderDefaultsFirmName(t *testing.T) {
	p := NewProvider("")
	if !strings.Contains(p.WelcomeMessages()[0].Body, "nosso escritório") {
		t.Error("empty firm name should fall back to generic copy")
	}
}

func TestStepPromptOptionWhitelists(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")
	tests := []struct {
		step models.Step
		ids  []string
	}{
		{models.StepClientType, []string{TokenClientNew, TokenClientReturning}},
		{models.StepPracticeArea, []string{TokenAreaCivil, TokenAreaCriminal, TokenAreaLabor, TokenAreaFamily}},
		{models.StepSchedulingOffer, []string{TokenYes, TokenNo}},
		{models.StepSchedulingType, []string{TokenInPerson, TokenVirtual}},
		{models.StepCompleted, []string{TokenNewRequest, TokenHumanAgent}},
	}
	for _, tc := range tests {
		t.Run(string(tc.step), func(t *testing.T) {
			prompt := p.StepPrompt(tc.step)
			if prompt.Kind != models.MessageKindInteractive {
				t.Fatalf("prompt kind = %s, want interactive", prompt.Kind)
			}
			if len(prompt.Options) != len(tc.ids) {
				t.Fatalf("option count = %d, want %d", len(prompt.Options), len(tc.ids))
			}
			for i, id := range tc.ids {
				if prompt.Options[i].ID != id {
					t.Errorf("option %d id = %s, want %s", i, prompt.Options[i].ID, id)
				}
			}
		})
	}
}

func TestGuidanceLadder(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")

	first := p.Guidance(models.StepClientType, 1)
	if !strings.Contains(first.Body, "não entendi") {
		t.Errorf("first miss should re-send the prompt with a preface: %s", first.Body)
	}
	if len(first.Options) != 2 {
		t.Errorf("first miss keeps the step options, got %d", len(first.Options))
	}

	second := p.Guidance(models.StepClientType, 2)
	ids := optionIDs(second)
	for _, want := range []string{TokenTryAgain, TokenExplain, TokenHumanAgent} {
		if !ids[want] {
			t.Errorf("second miss missing option %s", want)
		}
	}

	third := p.Guidance(models.StepClientType, 3)
	ids = optionIDs(third)
	if !ids[TokenHumanAgent] || !ids[TokenContinueBot] {
		t.Errorf("third miss should offer handoff or continue, got %v", third.Options)
	}
}

func optionIDs(msg models.OutboundMessage) map[string]bool {
	ids := make(map[string]bool, len(msg.Options))
	for _, opt := range msg.Options {
		ids[opt.ID] = true
	}
	return ids
}

func TestCompletionMessagesSummarizeData(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")
	msgs := p.CompletionMessages(map[models.DataKey]string{
		models.DataKeyClientType:           TokenClientNew,
		models.DataKeyPracticeArea:         TokenAreaLabor,
		models.DataKeyWantsScheduling:      "true",
		models.DataKeySchedulingPreference: TokenVirtual,
	})
	if len(msgs) != 1 {
		t.Fatalf("completion messages = %d, want 1", len(msgs))
	}
	body := msgs[0].Body
	for _, want := range []string{"Direito Trabalhista", "videochamada"} {
		if !strings.Contains(body, want) {
			t.Errorf("summary missing %q:\n%s", want, body)
		}
	}

	// Declined scheduling leaves the preference out.
	declined := p.CompletionMessages(map[models.DataKey]string{
		models.DataKeyPracticeArea:    TokenAreaCivil,
		models.DataKeyWantsScheduling: "false",
	})
	if strings.Contains(declined[0].Body, "Consulta:") {
		t.Errorf("declined scheduling should omit the consultation line:\n%s", declined[0].Body)
	}
}

func TestReengagementFinalAttemptCopy(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")
	if msg := p.Reengagement(models.TimeoutInactivity, 2, true); !strings.Contains(msg.Body, "Última tentativa") {
		t.Errorf("final attempt copy missing warning: %s", msg.Body)
	}
	if msg := p.Reengagement(models.TimeoutStep, 1, false); !strings.Contains(msg.Body, "continuamos de onde paramos") {
		t.Errorf("mid-flow nudge should offer to resume: %s", msg.Body)
	}
}

func TestErrorMessagePerClass(t *testing.T) {
	p := NewProvider("Silva & Prado Advogados")
	classes := []models.ErrorClass{
		models.ErrorClassRateLimited,
		models.ErrorClassFlowLogic,
		models.ErrorClassStorage,
		models.ErrorClassUnknown,
	}
	seen := make(map[string]models.ErrorClass)
	for _, class := range classes {
		body := p.ErrorMessage(class)
		if body == "" {
			t.Errorf("empty error message for %s", class)
		}
		if prev, dup := seen[body]; dup && prev != class {
			continue // storage and network intentionally share copy
		}
		seen[body] = class
	}
	if !strings.Contains(p.ErrorMessage(models.ErrorClassFlowLogic), "recomeçar") {
		t.Error("flow logic error should announce the restart")
	}
}
