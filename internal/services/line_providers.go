package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// TemplateRef names a provider content template and its variables
type TemplateRef struct {
	SID       string            `json:"sid" validate:"required"`
	Variables map[string]string `json:"variables,omitempty"`
}

// LineMessage is one message for an official line
type LineMessage struct {
	To       string
	Body     string
	Media    *MediaPayload
	Template *TemplateRef
}

// LineSender delivers messages for one line provider
type LineSender interface {
	Send(ctx context.Context, line *models.Line, msg LineMessage) (string, error)
}

// LineProviders picks the sender for a line's provider
type LineProviders struct {
	senders map[string]LineSender
}

func NewLineProviders() *LineProviders {
	return &LineProviders{senders: map[string]LineSender{
		models.ProviderSandbox: SandboxSender{},
	}}
}

// Register sets the sender for a provider
func (p *LineProviders) Register(provider string, sender LineSender) *LineProviders {
	if sender != nil {
		p.senders[provider] = sender
	}
	return p
}

// For returns the sender of the line's provider
func (p *LineProviders) For(line *models.Line) (LineSender, error) {
	provider := line.Provider
	if provider == "" {
		provider = models.ProviderSandbox
	}
	sender, ok := p.senders[provider]
	if !ok {
		return nil, fmt.Errorf("line %q uses provider %q which is not configured", line.Label, provider)
	}
	return sender, nil
}

// SandboxSender accepts every message without sending it anywhere
type SandboxSender struct{}

func (SandboxSender) Send(_ context.Context, _ *models.Line, _ LineMessage) (string, error) {
	return "sandbox-" + uuid.NewString(), nil
}

// MetaSender sends through the Graph API messages endpoint
type MetaSender struct {
	httpClient *resty.Client
	baseURL    string
}

func NewMetaSender(baseURL string, timeout time.Duration) *MetaSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MetaSender{
		httpClient: resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (m *MetaSender) Send(ctx context.Context, line *models.Line, msg LineMessage) (string, error) {
	if line.SenderID == "" || line.AccessToken == "" {
		return "", fmt.Errorf("meta line %q needs a phone number id and an access token", line.Label)
	}
	base := m.baseURL
	if line.APIBaseURL != "" {
		base = strings.TrimRight(line.APIBaseURL, "/")
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                DigitsOnly(msg.To),
	}
	switch {
	case msg.Template != nil:
		body["type"] = "template"
		body["template"] = map[string]any{"name": msg.Template.SID, "language": map[string]string{"code": "pt_BR"}}
	case msg.Media != nil && msg.Media.URL != "":
		kind := msg.Media.Type
		if kind == "" {
			kind = models.MessageTypeDocument
		}
		media := map[string]any{"link": msg.Media.URL}
		if msg.Body != "" && kind != models.MessageTypeAudio {
			media["caption"] = msg.Body
		}
		body["type"] = kind
		body[kind] = media
	default:
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Body}
	}

	var result metaSendResponse
	resp, err := m.httpClient.R().
		SetContext(ctx).
		SetAuthToken(line.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("%s/%s/messages", base, line.SenderID))
	if err != nil {
		return "", fmt.Errorf("meta request failed: %w", err)
	}
	if resp.IsError() {
		if result.Error != nil {
			return "", fmt.Errorf("meta error %d: %s", result.Error.Code, result.Error.Message)
		}
		return "", fmt.Errorf("meta error (%d): %s", resp.StatusCode(), resp.String())
	}
	if len(result.Messages) == 0 {
		return "", nil
	}
	return result.Messages[0].ID, nil
}
