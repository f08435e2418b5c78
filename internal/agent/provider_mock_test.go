package agent

import (
	"context"
	"strings"
	"testing"
)

func TestMockProviderFollowsStage(t *testing.T) {
	p := NewMockProvider()
	ctx := context.Background()

	lead, _ := p.Generate(ctx, BuildPrompt(PromptInput{Stage: StageNewLead, BusinessName: "X", Message: "hi"}))
	if !strings.Contains(lead, "email") {
		t.Fatalf("new-lead reply should ask for an email: %q", lead)
	}

	intake := PromptInput{
		Stage:          StageIntake,
		BusinessName:   "X",
		Questions:      []string{"Budget?"},
		AppointmentURL: "https://p.test/portal/d/appointment/c",
	}

	intake.Message = "I need a human"
	if got, _ := p.Generate(ctx, BuildPrompt(intake)); !Interpret(false, got).HandOff {
		t.Fatalf("expected hand-off, got %q", got)
	}

	intake.Message = "can I book an appointment?"
	got, _ := p.Generate(ctx, BuildPrompt(intake))
	if in := Interpret(false, got); in.Link != intake.AppointmentURL {
		t.Fatalf("expected appointment link, got %+v", in)
	}

	intake.Message = "tell me more"
	if got, _ := p.Generate(ctx, BuildPrompt(intake)); !Interpret(false, got).AsksIntake {
		t.Fatalf("expected intake question, got %q", got)
	}
}
