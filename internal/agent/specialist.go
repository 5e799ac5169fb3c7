package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cchalm/researcher/internal/ai"
	"github.com/cchalm/researcher/internal/tools"
)

const specialistNoAnswer = "The %s could not answer this query. Try rephrasing it or asking a different way."

// SpecialistSpec describes an agent that another agent can consult as a tool
type SpecialistSpec struct {
	Name        string
	Description string
	// Framing is prepended to every query routed to the specialist, e.g. "Please solve the following mathematical
	// problem, showing all steps:"
	Framing string
}

// Specialist exposes an Agent as a tool. Every call runs in a fresh session, so consultations do not share context
type Specialist struct {
	agent *Agent
	spec  SpecialistSpec
}

type SpecialistInput struct {
	Query string `json:"query"`
}

// NewSpecialist wraps agent as a tool named and described by spec
func NewSpecialist(agent *Agent, spec SpecialistSpec) *Specialist {
	return &Specialist{agent: agent, spec: spec}
}

func (s *Specialist) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        s.spec.Name,
		Description: s.spec.Description,
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The question or task for the specialist, with all context it needs",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (s *Specialist) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in SpecialistInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", tools.NewToolInputError(err)
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return "", tools.NewToolInputError(errors.New("query must not be empty"))
	}
	if s.spec.Framing != "" {
		query = s.spec.Framing + " " + query
	}

	session := s.agent.NewSession()
	s.agent.config.Logger.Info("Routing query to specialist",
		zap.String("specialist", s.spec.Name),
		zap.String("session", session.ID()))

	answer, err := session.Invoke(ctx, query)
	if err != nil {
		return "", fmt.Errorf("specialist %s failed: %w", s.spec.Name, err)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Sprintf(specialistNoAnswer, s.spec.Name), nil
	}
	return answer, nil
}
