package chat

import (
	"encoding/json"
	"testing"

	"gorm.io/datatypes"

	"github.com/botdeskhq/botdesk/internal/models"
)

func strp(s string) *string   { return &s }
func f64p(f float64) *float64 { return &f }
func intp(i int) *int         { return &i }

func TestResolveSettings_Defaults(t *testing.T) {
	eff := ResolveSettings(Overrides{}, nil, nil)

	if eff.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", eff.Model)
	}
	if eff.Temperature != 0.7 {
		t.Fatalf("temperature = %v", eff.Temperature)
	}
	if eff.MaxTokens != 1024 {
		t.Fatalf("max_tokens = %d", eff.MaxTokens)
	}
	if eff.SystemPrompt != "You are a helpful assistant." {
		t.Fatalf("system_prompt = %q", eff.SystemPrompt)
	}
}

func TestResolveSettings_PerFieldPrecedence(t *testing.T) {
	tenant := &models.Tenant{
		DefaultModel:        strp("tenant-model"),
		DefaultTemperature:  f64p(0.3),
		DefaultMaxTokens:    intp(512),
		DefaultSystemPrompt: strp("tenant prompt"),
	}
	bot := &models.Chatbot{
		Model:       strp("bot-model"),
		Temperature: f64p(0.5),
	}
	ov := Overrides{Temperature: f64p(0.9)}

	eff := ResolveSettings(ov, bot, tenant)

	// each field resolves independently
	if eff.Model != "bot-model" {
		t.Fatalf("model = %q, want chatbot value", eff.Model)
	}
	if eff.Temperature != 0.9 {
		t.Fatalf("temperature = %v, want request value", eff.Temperature)
	}
	if eff.MaxTokens != 512 {
		t.Fatalf("max_tokens = %d, want tenant value", eff.MaxTokens)
	}
	if eff.SystemPrompt != "tenant prompt" {
		t.Fatalf("system_prompt = %q, want tenant value", eff.SystemPrompt)
	}
}

func TestResolveSettings_RequestWinsEverything(t *testing.T) {
	tenant := &models.Tenant{DefaultModel: strp("tenant-model")}
	bot := &models.Chatbot{Model: strp("bot-model"), SystemPrompt: strp("bot prompt")}
	ov := Overrides{
		Model:        "req-model",
		Temperature:  f64p(0.1),
		MaxTokens:    intp(64),
		SystemPrompt: "req prompt",
	}

	eff := ResolveSettings(ov, bot, tenant)

	if eff.Model != "req-model" || eff.Temperature != 0.1 || eff.MaxTokens != 64 || eff.SystemPrompt != "req prompt" {
		t.Fatalf("request overrides not applied: %+v", eff)
	}
}

func TestResolveSettings_EmptyStringsDoNotShadow(t *testing.T) {
	tenant := &models.Tenant{DefaultModel: strp("tenant-model")}
	bot := &models.Chatbot{Model: strp("")}

	eff := ResolveSettings(Overrides{}, bot, tenant)

	if eff.Model != "tenant-model" {
		t.Fatalf("model = %q, empty chatbot value must fall through", eff.Model)
	}
}

func TestIsReasoningModel(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"o1", true},
		{"o1-mini", true},
		{"o3-mini-2025-01-31", true},
		{"o4-mini", true},
		{"gpt-5", true},
		{"gpt-5.1", true},
		{"gpt-4o-mini", false},
		{"gpt-4o", false},
		{"claude-3", false},
		{"o2", false},
	}
	for _, tc := range cases {
		if got := IsReasoningModel(tc.model); got != tc.want {
			t.Errorf("IsReasoningModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestResolveSettings_ReasoningOptionsGated(t *testing.T) {
	doc := `{"provider_options":{"reasoning_effort":"high","text_verbosity":"low","store":true}}`
	bot := &models.Chatbot{
		Model:    strp("gpt-4o-mini"),
		Settings: datatypes.JSON(doc),
	}

	eff := ResolveSettings(Overrides{}, bot, nil)
	if eff.ProviderOptions == nil {
		t.Fatal("provider options missing")
	}
	if eff.ProviderOptions.ReasoningEffort != "" || eff.ProviderOptions.TextVerbosity != "" {
		t.Fatalf("reasoning fields must be dropped for %q: %+v", eff.Model, eff.ProviderOptions)
	}
	// store is not a reasoning field and survives
	if eff.ProviderOptions.Store == nil || !*eff.ProviderOptions.Store {
		t.Fatal("store flag must be preserved")
	}
}

func TestResolveSettings_ReasoningOptionsKept(t *testing.T) {
	doc := `{"provider_options":{"reasoning_effort":"high","text_verbosity":"low"}}`
	bot := &models.Chatbot{
		Model:    strp("o3-mini"),
		Settings: datatypes.JSON(doc),
	}

	eff := ResolveSettings(Overrides{}, bot, nil)
	if eff.ProviderOptions == nil || eff.ProviderOptions.ReasoningEffort != "high" || eff.ProviderOptions.TextVerbosity != "low" {
		t.Fatalf("reasoning fields must pass through for %q: %+v", eff.Model, eff.ProviderOptions)
	}
}

func TestResolveSettings_GateUsesEffectiveModel(t *testing.T) {
	// chatbot pins a reasoning model but the request overrides it away
	doc := `{"provider_options":{"reasoning_effort":"high"}}`
	bot := &models.Chatbot{
		Model:    strp("o3-mini"),
		Settings: datatypes.JSON(doc),
	}

	eff := ResolveSettings(Overrides{Model: "gpt-4o-mini"}, bot, nil)
	if eff.ProviderOptions == nil || eff.ProviderOptions.ReasoningEffort != "" {
		t.Fatalf("gate must apply to the effective model: %+v", eff.ProviderOptions)
	}
}

func TestResolveSettings_MalformedSettingsIgnored(t *testing.T) {
	bot := &models.Chatbot{Settings: datatypes.JSON(`{not json`)}

	eff := ResolveSettings(Overrides{}, bot, nil)
	if eff.ModelParams != nil || eff.ProviderOptions != nil {
		t.Fatalf("malformed document must resolve to no extras: %+v", eff)
	}
}

func TestChatbotSettings_RoundTripPreservesUnknownKeys(t *testing.T) {
	doc := `{"model_params":{"top_p":0.9},"legacy_widget":{"color":"blue"}}`

	var s ChatbotSettings
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.ModelParams == nil || s.ModelParams.TopP == nil || *s.ModelParams.TopP != 0.9 {
		t.Fatalf("model_params not parsed: %+v", s.ModelParams)
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if _, ok := round["legacy_widget"]; !ok {
		t.Fatalf("unknown key dropped on round trip: %s", out)
	}
}
