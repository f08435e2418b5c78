package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/leadchat/internal/domain"
)

// Stage selects the system instruction used for a completion.
type Stage int

const (
	// StageNewLead is used while the visitor has not given an email.
	StageNewLead Stage = iota
	// StageIntake is used for identified customers handled by the bot.
	StageIntake
)

func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	default:
		return "new_lead"
	}
}

// PromptInput is everything the prompt builder reads.
type PromptInput struct {
	Stage          Stage
	BusinessName   string
	Questions      []string
	AppointmentURL string
	PaymentURL     string
	Transcript     []domain.Turn
	Message        string
}

const newLeadTemplate = `You are a highly knowledgeable and experienced sales representative for %[1]s, a business that offers a valuable product or service.
Have a natural, human-like conversation with the customer to understand their needs, give relevant information and guide them towards a purchase.
You are talking to this customer for the first time. Start with a warm welcome on behalf of %[1]s.
Then lead the conversation naturally towards getting the customer's email address.
Be respectful and never break character.`

const intakeTemplate = `You are the assistant for %[1]s. You will get a list of questions that you must ask the customer.
Progress the conversation using those questions.
Whenever you ask a question from the list, add the keyword %[2]s at the end of that question. This keyword is extremely important.
Only add the keyword when you ask a question from the list. No other question satisfies this condition.
Always stay in character and be respectful.

The list of questions: [%[3]s]

If the customer says something out of context or inappropriate, say this is beyond you and that a real person will continue the conversation, then add the keyword %[4]s at the end.
If the customer agrees to book an appointment, send them this link: %[5]s
If the customer wants to buy a product, send them to the payment page: %[6]s`

type promptTemplate func(in PromptInput) string

var stageTemplates = map[Stage]promptTemplate{
	StageNewLead: func(in PromptInput) string {
		return fmt.Sprintf(newLeadTemplate, in.BusinessName)
	},
	StageIntake: func(in PromptInput) string {
		return fmt.Sprintf(intakeTemplate,
			in.BusinessName,
			MarkerComplete,
			strings.Join(in.Questions, ", "),
			MarkerHandOff,
			in.AppointmentURL,
			in.PaymentURL,
		)
	},
}

// SystemInstruction renders the stage's instruction for in.
func SystemInstruction(in PromptInput) string {
	tmpl, ok := stageTemplates[in.Stage]
	if !ok {
		tmpl = stageTemplates[StageNewLead]
	}
	return tmpl(in)
}

// BuildPrompt flattens the system instruction, the transcript and the new
// message into one payload with one "ROLE: content" entry per turn.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	writeTurn(&b, "system", SystemInstruction(in))
	for _, t := range in.Transcript {
		writeTurn(&b, string(t.Role), t.Content)
	}
	writeTurn(&b, string(domain.RoleUser), in.Message)
	return strings.TrimSuffix(b.String(), "\n")
}

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString(strings.ToUpper(role))
	b.WriteString(": ")
	b.WriteString(content)
	b.WriteByte('\n')
}

// portalLinks returns the appointment and payment links for a customer.
func portalLinks(baseURL, domainID, customerID string) (appointment, payment string) {
	base := strings.TrimRight(baseURL, "/") + "/portal/" + domainID
	return base + "/appointment/" + customerID, base + "/payment/" + customerID
}
