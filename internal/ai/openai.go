package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions
// endpoint over plain HTTP.
type OpenAIProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionReq struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
	Stream   bool      `json:"stream"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`

	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Verbosity       string `json:"verbosity,omitempty"`
	Store           *bool  `json:"store,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionResp struct {
	Choices []struct {
		Message      chatMsg `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) buildBody(req Request, stream bool) chatCompletionReq {
	body := chatCompletionReq{
		Model:  req.Model,
		Stream: stream,
		Messages: func() []chatMsg {
			out := make([]chatMsg, 0, len(req.Messages))
			for _, m := range req.Messages {
				out = append(out, chatMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ReasoningEffort:  req.ReasoningEffort,
		Verbosity:        req.TextVerbosity,
		Store:            req.Store,
	}
	if stream {
		// usage arrives in the final frame only when asked for
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body chatCompletionReq) (*http.Request, error) {
	if p.Client == nil {
		return nil, errors.New("openai: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if strings.TrimSpace(body.Model) == "" {
		return nil, errors.New("openai: model is required")
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	return req, nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openai: %s", msg)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	var decoded chatCompletionResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}

	out := &Result{
		Content:      decoded.Choices[0].Message.Content,
		FinishReason: decoded.Choices[0].FinishReason,
	}
	if decoded.Usage != nil {
		out.Usage = *decoded.Usage
	}
	return out, nil
}

// StreamComplete streams assistant content chunks via SSE. The final
// Result carries the accumulated text plus the usage totals from the
// closing frame.
func (p *OpenAIProvider) StreamComplete(ctx context.Context, req Request) (<-chan string, <-chan *Result, <-chan error) {
	chunks := make(chan string, 16)
	final := make(chan *Result, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(final)
		defer close(errs)

		httpReq, err := p.newHTTPRequest(ctx, p.buildBody(req, true))
		if err != nil {
			errs <- err
			return
		}

		// no overall deadline on the streaming read; ctx governs it
		streamClient := *p.Client
		streamClient.Timeout = 0

		resp, err := streamClient.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- httpError(resp)
			return
		}

		var (
			b            strings.Builder
			usage        Usage
			finishReason string
		)

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var decoded chatStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if decoded.Usage != nil {
				usage = *decoded.Usage
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if fr := decoded.Choices[0].FinishReason; fr != "" {
				finishReason = fr
			}
			delta := decoded.Choices[0].Delta.Content
			if delta != "" {
				b.WriteString(delta)
				select {
				case chunks <- delta:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}

		final <- &Result{
			Content:      b.String(),
			Usage:        usage,
			FinishReason: finishReason,
		}
	}()

	return chunks, final, errs
}
