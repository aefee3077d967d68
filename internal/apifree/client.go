package apifree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/models"
)

var (
	// ErrProviderUnavailable covers transport failures: DNS, timeouts, resets, unreadable bodies.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected covers responses the provider answered with an application error.
	ErrProviderRejected = errors.New("provider rejected request")
)

type Client struct {
	apiKey        string
	baseURL       string
	defaultModels map[models.JobKind]string
	httpClient    *http.Client
	chat          *openai.Client
	log           *slog.Logger
}

type SubmitResult struct {
	RequestID string
	Raw       json.RawMessage
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	httpClient := &http.Client{Timeout: timeout}
	baseURL := strings.TrimRight(cfg.APIFreeBaseURL, "/")

	chatCfg := openai.DefaultConfig(cfg.APIFreeAPIKey)
	chatCfg.BaseURL = baseURL + "/v1"
	chatCfg.HTTPClient = httpClient

	return &Client{
		apiKey:  cfg.APIFreeAPIKey,
		baseURL: baseURL,
		defaultModels: map[models.JobKind]string{
			models.KindChat:  cfg.APIFreeChatModel,
			models.KindImage: cfg.APIFreeImageModel,
			models.KindVideo: cfg.APIFreeVideoModel,
		},
		httpClient: httpClient,
		chat:       openai.NewClientWithConfig(chatCfg),
		log:        log,
	}
}

// Submit passes the payload through verbatim, adding the configured model for the kind
// when the caller did not choose one.
func (c *Client) Submit(ctx context.Context, kind models.JobKind, payload map[string]any) (*SubmitResult, error) {
	if kind != models.KindImage && kind != models.KindVideo {
		return nil, fmt.Errorf("submit: unsupported job kind %q", kind)
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if model, ok := body["model"].(string); !ok || strings.TrimSpace(model) == "" {
		body["model"] = c.defaultModels[kind]
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if c.log != nil {
		c.log.Info("submitting provider job", "kind", kind, "model", body["model"])
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/"+string(kind)+"/submit", raw)
	if err != nil {
		return nil, err
	}

	requestID := ExtractRequestID(respBody)
	if requestID == "" {
		return nil, fmt.Errorf("%w: no request id in response (body=%s)", ErrProviderRejected, truncateBody(respBody))
	}
	if c.log != nil {
		c.log.Info("provider job accepted", "kind", kind, "request_id", requestID)
	}
	return &SubmitResult{RequestID: requestID, Raw: respBody}, nil
}

// Poll fetches the current result document and interprets it.
func (c *Client) Poll(ctx context.Context, kind models.JobKind, requestID string) (PollResult, error) {
	body, err := c.Result(ctx, kind, requestID)
	if err != nil {
		return PollResult{}, err
	}
	return Interpret(kind, body), nil
}

// Result returns the raw result document for a request id.
func (c *Client) Result(ctx context.Context, kind models.JobKind, requestID string) (json.RawMessage, error) {
	if kind != models.KindImage && kind != models.KindVideo {
		return nil, fmt.Errorf("result: unsupported job kind %q", kind)
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("result: empty request id")
	}
	path := "/v1/" + string(kind) + "/" + url.PathEscape(requestID) + "/result"
	return c.do(ctx, http.MethodGet, path, nil)
}

// Chat asks the OpenAI-compatible completion endpoint for a single reply.
func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.defaultModels[models.KindChat],
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0.7,
	})
	if err != nil {
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			return "", fmt.Errorf("%w: status=%d %s", ErrProviderRejected, apiErr.HTTPStatusCode, apiErr.Message)
		case errors.As(err, &reqErr):
			return "", fmt.Errorf("%w: status=%d %v", ErrProviderRejected, reqErr.HTTPStatusCode, reqErr.Err)
		default:
			return "", fmt.Errorf("%w: chat: %v", ErrProviderUnavailable, err)
		}
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty chat choices", ErrProviderRejected)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrProviderUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Warn("provider request failed", "status", resp.StatusCode, "path", path, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrProviderRejected, resp.StatusCode, truncateBody(rawBody))
	}
	return rawBody, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
