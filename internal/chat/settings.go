package chat

import (
	"encoding/json"
	"strings"

	"github.com/botdeskhq/botdesk/internal/models"
)

// Hard-coded fallbacks, the bottom of the precedence chain.
const (
	defaultModel        = "gpt-4o-mini"
	defaultTemperature  = 0.7
	defaultMaxTokens    = 1024
	defaultSystemPrompt = "You are a helpful assistant."
)

type ModelParams struct {
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

type ProviderOptions struct {
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	TextVerbosity   string `json:"text_verbosity,omitempty"`
	Store           *bool  `json:"store,omitempty"`
}

// ChatbotSettings is the typed view of the chatbot's free-form settings
// document. Unknown top-level keys are kept in Extra and round-tripped
// on save so legacy rows keep whatever they carry.
type ChatbotSettings struct {
	ModelParams     *ModelParams
	ProviderOptions *ProviderOptions
	Extra           map[string]json.RawMessage
}

func (s *ChatbotSettings) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["model_params"]; ok {
		var mp ModelParams
		if err := json.Unmarshal(v, &mp); err != nil {
			return err
		}
		s.ModelParams = &mp
		delete(raw, "model_params")
	}
	if v, ok := raw["provider_options"]; ok {
		var po ProviderOptions
		if err := json.Unmarshal(v, &po); err != nil {
			return err
		}
		s.ProviderOptions = &po
		delete(raw, "provider_options")
	}
	s.Extra = raw
	return nil
}

func (s ChatbotSettings) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.ModelParams != nil {
		out["model_params"] = s.ModelParams
	}
	if s.ProviderOptions != nil {
		out["provider_options"] = s.ProviderOptions
	}
	return json.Marshal(out)
}

// Overrides are the explicit per-request parameters, the top of the
// precedence chain.
type Overrides struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	SystemPrompt string
}

// Effective is the merged configuration used for one provider call.
type Effective struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string

	ModelParams     *ModelParams
	ProviderOptions *ProviderOptions
}

// reasoningModels lists ids accepting reasoning_effort / text_verbosity.
// Prefixes cover dated and sized variants (o3-mini-2025-01-31, gpt-5.1, ...).
var reasoningModels = map[string]bool{
	"o1":         true,
	"o1-mini":    true,
	"o1-preview": true,
	"o3":         true,
	"o3-mini":    true,
	"o4-mini":    true,
}

var reasoningPrefixes = []string{"o1-", "o3-", "o4-", "gpt-5"}

func IsReasoningModel(model string) bool {
	if reasoningModels[model] {
		return true
	}
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// ResolveSettings merges request overrides, the chatbot record, the
// tenant record and the hard-coded defaults. Each scalar field falls
// through independently: request > chatbot > tenant > default.
// model_params and provider_options come from the chatbot document only.
func ResolveSettings(ov Overrides, bot *models.Chatbot, tenant *models.Tenant) Effective {
	eff := Effective{
		Model:        defaultModel,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
		SystemPrompt: defaultSystemPrompt,
	}

	if tenant != nil {
		if tenant.DefaultModel != nil && *tenant.DefaultModel != "" {
			eff.Model = *tenant.DefaultModel
		}
		if tenant.DefaultTemperature != nil {
			eff.Temperature = *tenant.DefaultTemperature
		}
		if tenant.DefaultMaxTokens != nil {
			eff.MaxTokens = *tenant.DefaultMaxTokens
		}
		if tenant.DefaultSystemPrompt != nil && *tenant.DefaultSystemPrompt != "" {
			eff.SystemPrompt = *tenant.DefaultSystemPrompt
		}
	}

	if bot != nil {
		if bot.Model != nil && *bot.Model != "" {
			eff.Model = *bot.Model
		}
		if bot.Temperature != nil {
			eff.Temperature = *bot.Temperature
		}
		if bot.MaxTokens != nil {
			eff.MaxTokens = *bot.MaxTokens
		}
		if bot.SystemPrompt != nil && *bot.SystemPrompt != "" {
			eff.SystemPrompt = *bot.SystemPrompt
		}
	}

	if ov.Model != "" {
		eff.Model = ov.Model
	}
	if ov.Temperature != nil {
		eff.Temperature = *ov.Temperature
	}
	if ov.MaxTokens != nil {
		eff.MaxTokens = *ov.MaxTokens
	}
	if ov.SystemPrompt != "" {
		eff.SystemPrompt = ov.SystemPrompt
	}

	if bot != nil && len(bot.Settings) > 0 {
		var s ChatbotSettings
		// a malformed document falls back to no extra params
		if err := json.Unmarshal(bot.Settings, &s); err == nil {
			eff.ModelParams = s.ModelParams
			if s.ProviderOptions != nil {
				po := *s.ProviderOptions
				if !IsReasoningModel(eff.Model) {
					// silently ignored for non-reasoning models
					po.ReasoningEffort = ""
					po.TextVerbosity = ""
				}
				eff.ProviderOptions = &po
			}
		}
	}

	return eff
}
