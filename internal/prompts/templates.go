package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avvvet/intent-router/internal/models"
)

const SystemPrompt = `You split a user's chat message into the operations they want a research workspace assistant to run.

IMPORTANT RULES:
1. One intent per clause, in the order the clauses appear in the message
2. Only use actions from the list below; skip clauses that match none
3. Extract parameters you can read directly from the clause, never invent values
4. confidence is your certainty (0.0 to 1.0) that the action is what the user meant
5. Copy the clause text into "segment"

RESPONSE FORMAT:
You must respond with a valid JSON object in this exact format:
{
  "intents": [
    {
      "action": "ACTION_NAME",
      "segment": "clause text",
      "parameters": {"param_name": "value"},
      "confidence": 0.0
    }
  ]
}

Available Actions:
%s

Recent Conversation:
%s

Analyze the message and respond with the JSON format above.`

// ActionSchema describes one registered action to the model.
type ActionSchema struct {
	Action   string
	Params   []string
	Required []string
	Keywords []string
}

// LLMIntent is one intent proposed by the model.
type LLMIntent struct {
	Action     string            `json:"action"`
	Segment    string            `json:"segment"`
	Parameters models.Parameters `json:"parameters"`
	Confidence float64           `json:"confidence"`
}

// LLMResponse is the model's full answer.
type LLMResponse struct {
	Intents []LLMIntent `json:"intents"`
}

// ConversationLine is one remembered exchange.
type ConversationLine struct {
	Role    string
	Message string
}

func BuildIntentPrompt(actions []ActionSchema, history []ConversationLine, message string) string {
	return fmt.Sprintf(SystemPrompt, buildActionsSection(actions), buildConversationSection(history, message))
}

func buildActionsSection(actions []ActionSchema) string {
	var builder strings.Builder

	for _, action := range actions {
		builder.WriteString(fmt.Sprintf("- %s: params [%s], requires [%s]",
			action.Action,
			strings.Join(action.Params, ", "),
			strings.Join(action.Required, ", ")))
		if len(action.Keywords) > 0 {
			builder.WriteString(fmt.Sprintf(", e.g. %q", strings.Join(action.Keywords, " ")))
		}
		builder.WriteString("\n")
	}

	return builder.String()
}

func buildConversationSection(history []ConversationLine, currentMessage string) string {
	var builder strings.Builder

	for _, line := range history {
		role := line.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		builder.WriteString(fmt.Sprintf("%s: %s\n", role, line.Message))
	}
	builder.WriteString(fmt.Sprintf("User: %s\n", currentMessage))

	return builder.String()
}

func ParseLLMResponse(content string) (*LLMResponse, error) {
	jsonContent := extractJSON(content)
	if jsonContent == "" {
		return nil, fmt.Errorf("no valid JSON found in response")
	}

	var response LLMResponse
	if err := json.Unmarshal([]byte(jsonContent), &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	// drop entries the router cannot route
	kept := response.Intents[:0]
	for _, intent := range response.Intents {
		if strings.TrimSpace(intent.Action) == "" {
			continue
		}
		intent.Confidence = models.ClampConfidence(intent.Confidence)
		kept = append(kept, intent)
	}
	response.Intents = kept

	return &response, nil
}

func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	end := strings.LastIndex(content, "}")
	if end == -1 || end <= start {
		return ""
	}

	return content[start : end+1]
}
