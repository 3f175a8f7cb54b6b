// Package templates provides the outbound message content for the intake flow.
//
// All functions are pure: content is keyed by step, timeout classification, or
// attempt number, and carries no side effects. The copy is Brazilian
// Portuguese, matching the firm's client base.
package templates

import (
	"fmt"
	"strings"

	"github.com/JurisFlow/IntakeFlow/internal/models"
)

// Input tokens accepted by the interactive steps. These double as the
// per-step whitelist used by the flow engine.
const (
	TokenClientNew       = "new"
	TokenClientReturning = "returning"
	TokenAreaCivil       = "civil"
	TokenAreaCriminal    = "criminal"
	TokenAreaLabor       = "labor"
	TokenAreaFamily      = "family"
	TokenYes             = "yes"
	TokenNo              = "no"
	TokenInPerson        = "in-person"
	TokenVirtual         = "virtual"
	TokenNewRequest      = "new_request"
	TokenTryAgain        = "try_again"
	TokenExplain         = "explain"
	TokenHumanAgent      = "human_agent"
	TokenContinueBot     = "continue_bot"
	TokenRestart         = "restart"
)

// Provider builds outbound content. It is stateless and safe for concurrent use.
type Provider struct {
	firmName string
}

// NewProvider creates a content provider for the given firm name.
func NewProvider(firmName string) *Provider {
	if firmName == "" {
		firmName = "nosso escritório"
	}
	return &Provider{firmName: firmName}
}

// WelcomeMessages returns the greeting plus the first question.
func (p *Provider) WelcomeMessages() []models.OutboundMessage {
	return []models.OutboundMessage{
		{
			Kind: models.MessageKindText,
			Body: fmt.Sprintf("Olá! 👋 Bem-vindo(a) ao atendimento de %s. Vou fazer algumas perguntas rápidas para direcionar seu caso.", p.firmName),
		},
		p.StepPrompt(models.StepClientType),
	}
}

// StepPrompt returns the prompt message for a step. Steps with a fixed option
// set produce interactive messages; the option ids are the step's whitelist.
func (p *Provider) StepPrompt(step models.Step) models.OutboundMessage {
	switch step {
	case models.StepClientType:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Você já é cliente do escritório?",
			Options: []models.MessageOption{
				{ID: TokenClientNew, Label: "Sou cliente novo"},
				{ID: TokenClientReturning, Label: "Já sou cliente"},
			},
		}
	case models.StepPracticeArea:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Qual área está relacionada ao seu caso?",
			Options: []models.MessageOption{
				{ID: TokenAreaCivil, Label: "Direito Civil"},
				{ID: TokenAreaCriminal, Label: "Direito Penal"},
				{ID: TokenAreaLabor, Label: "Direito Trabalhista"},
				{ID: TokenAreaFamily, Label: "Direito de Família"},
			},
		}
	case models.StepSchedulingOffer:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Deseja agendar uma consulta com um de nossos advogados?",
			Options: []models.MessageOption{
				{ID: TokenYes, Label: "Sim, quero agendar"},
				{ID: TokenNo, Label: "Não, obrigado"},
			},
		}
	case models.StepSchedulingType:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Como prefere que a consulta aconteça?",
			Options: []models.MessageOption{
				{ID: TokenInPerson, Label: "Presencial"},
				{ID: TokenVirtual, Label: "Por videochamada"},
			},
		}
	case models.StepCompleted:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Sua solicitação já foi registrada. Posso ajudar com mais alguma coisa?",
			Options: []models.MessageOption{
				{ID: TokenNewRequest, Label: "Nova solicitação"},
				{ID: TokenHumanAgent, Label: "Falar com atendente"},
			},
		}
	default: // StepWelcome accepts any input, its prompt is the greeting
		return p.WelcomeMessages()[0]
	}
}

// Guidance returns the invalid-input ladder message for a step.
// missCount is the consecutive-miss counter after the current miss.
func (p *Provider) Guidance(step models.Step, missCount int) models.OutboundMessage {
	switch {
	case missCount <= 1:
		prompt := p.StepPrompt(step)
		prompt.Body = "Desculpe, não entendi sua resposta. " + prompt.Body
		return prompt
	case missCount == 2:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Parece que estamos com dificuldade. Você pode tentar de novo escolhendo uma das opções, pedir uma explicação, ou falar direto com nossa equipe.",
			Options: []models.MessageOption{
				{ID: TokenTryAgain, Label: "Tentar novamente"},
				{ID: TokenExplain, Label: "Explicar as opções"},
				{ID: TokenHumanAgent, Label: "Falar com atendente"},
			},
		}
	default:
		return models.OutboundMessage{
			Kind: models.MessageKindInteractive,
			Body: "Sem problemas! Se preferir, posso transferir você agora para um atendente humano. Ou podemos continuar por aqui.",
			Options: []models.MessageOption{
				{ID: TokenHumanAgent, Label: "Falar com atendente"},
				{ID: TokenContinueBot, Label: "Continuar com o assistente"},
			},
		}
	}
}

// Explanation returns the canned option explanation for a step.
func (p *Provider) Explanation(step models.Step) models.OutboundMessage {
	var body string
	switch step {
	case models.StepClientType:
		body = "Escolha \"Sou cliente novo\" se este é seu primeiro contato conosco, ou \"Já sou cliente\" se o escritório já cuida de algum caso seu."
	case models.StepPracticeArea:
		body = "Direito Civil cobre contratos, cobranças e indenizações. Direito Penal cobre processos criminais. Direito Trabalhista cobre questões de emprego. Direito de Família cobre divórcio, pensão e guarda."
	case models.StepSchedulingOffer:
		body = "Se quiser agendar, um advogado reserva um horário para conversar sobre seu caso. Se não, sua solicitação segue para análise da equipe mesmo assim."
	case models.StepSchedulingType:
		body = "Na consulta presencial você vem ao escritório. Na videochamada enviamos um link para conversar de onde você estiver."
	default:
		body = "Responda a pergunta acima escolhendo uma das opções, ou digite \"atendente\" para falar com nossa equipe."
	}
	return models.OutboundMessage{Kind: models.MessageKindText, Body: body}
}

// HandoffAck acknowledges a transfer to a human agent.
func (p *Provider) HandoffAck() models.OutboundMessage {
	return models.OutboundMessage{
		Kind: models.MessageKindText,
		Body: "Certo! ✅ Vou transferir você para um de nossos atendentes. Suas respostas já ficaram registradas, então não será preciso repetir nada. Aguarde um instante.",
	}
}

// CompletionMessages summarizes the collected answers and closes the flow.
func (p *Provider) CompletionMessages(data map[models.DataKey]string) []models.OutboundMessage {
	var b strings.Builder
	b.WriteString("Perfeito, registrei sua solicitação! 📋\n")
	if area, ok := data[models.DataKeyPracticeArea]; ok {
		b.WriteString(fmt.Sprintf("Área: %s\n", areaLabel(area)))
	}
	if data[models.DataKeyWantsScheduling] == "true" {
		if pref, ok := data[models.DataKeySchedulingPreference]; ok {
			b.WriteString(fmt.Sprintf("Consulta: %s\n", schedulingLabel(pref)))
		}
	}
	b.WriteString("Nossa equipe entrará em contato em breve para dar sequência.")
	return []models.OutboundMessage{{Kind: models.MessageKindText, Body: b.String()}}
}

// Reengagement returns the nudge for an idle session. attempt is 1-based and
// final marks the last attempt before the terminal action.
func (p *Provider) Reengagement(class models.TimeoutClass, attempt int, final bool) models.OutboundMessage {
	var body string
	switch {
	case final:
		body = "Última tentativa: ainda está aí? Se não responder, vamos encerrar este atendimento, mas você pode recomeçar a qualquer momento enviando uma mensagem. 🕐"
	case class == models.TimeoutStep || class == models.TimeoutSession:
		body = "Notei que paramos no meio do caminho. Quando quiser, é só responder a pergunta acima que continuamos de onde paramos. 😊"
	default:
		body = "Oi! Ainda está por aí? Sua resposta ficou pendente. Quando puder, é só continuar por aqui."
	}
	return models.OutboundMessage{Kind: models.MessageKindText, Body: body}
}

// RestartMessage confirms a flow restart.
func (p *Provider) RestartMessage() models.OutboundMessage {
	return models.OutboundMessage{
		Kind: models.MessageKindText,
		Body: "Tudo bem, vamos recomeçar do início! 🔄",
	}
}

// ErrorMessage returns the user-facing text for an exhausted or non-retryable fault.
func (p *Provider) ErrorMessage(class models.ErrorClass) string {
	switch class {
	case models.ErrorClassRateLimited:
		return "Estamos recebendo muitas mensagens no momento. Aguarde um instante e tente de novo, por favor."
	case models.ErrorClassFlowLogic:
		return "Tivemos um problema com o andamento da conversa, então vamos recomeçar do início. Desculpe o transtorno!"
	case models.ErrorClassStorage, models.ErrorClassNetwork, models.ErrorClassDependencyDown:
		return "Estamos com uma instabilidade técnica. Já acionei nossa equipe para continuar seu atendimento. 🙏"
	default:
		return "Tivemos uma dificuldade técnica ao processar sua mensagem. Tente novamente em instantes, por favor."
	}
}

func areaLabel(token string) string {
	switch token {
	case TokenAreaCivil:
		return "Direito Civil"
	case TokenAreaCriminal:
		return "Direito Penal"
	case TokenAreaLabor:
		return "Direito Trabalhista"
	case TokenAreaFamily:
		return "Direito de Família"
	default:
		return token
	}
}

func schedulingLabel(token string) string {
	switch token {
	case TokenInPerson:
		return "presencial"
	case TokenVirtual:
		return "por videochamada"
	default:
		return token
	}
}
