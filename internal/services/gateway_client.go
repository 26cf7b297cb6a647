package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

const (
	gatewayTokenHeader = "X-Gateway-Token"
	defaultAudioName   = "audio-message.ogg"
	voiceNoteMimetype  = "audio/ogg; codecs=opus"
)

// MediaPayload is an attachment sent through a gateway
type MediaPayload struct {
	Type     string `json:"type,omitempty" validate:"omitempty,oneof=image audio video document"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
	Data     string `json:"data,omitempty"` // base64, optionally a data: URI
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

// AsMap renders the payload for message metadata, without the raw data
func (m *MediaPayload) AsMap() map[string]any {
	if m == nil {
		return nil
	}
	out := map[string]any{}
	for k, v := range map[string]string{"type": m.Type, "url": m.URL, "mimetype": m.Mimetype, "filename": m.Filename, "caption": m.Caption} {
		if v != "" {
			out[k] = v
		}
	}
	if m.PTT {
		out["ptt"] = true
	}
	return out
}

// NormalizeMedia fills the mimetype from the payload bytes when missing and
// turns audio into a voice note (ogg/opus, .ogg name, ptt)
func NormalizeMedia(media *MediaPayload) *MediaPayload {
	if media == nil {
		return nil
	}
	out := *media

	if out.Mimetype == "" && out.Data != "" {
		if raw, err := decodeMediaData(out.Data); err == nil && len(raw) > 0 {
			out.Mimetype = mimetype.Detect(raw).String()
		}
	}
	if out.Type == "" {
		out.Type = mediaTypeFromMime(out.Mimetype)
	}

	if out.Type == models.MessageTypeAudio {
		out.Mimetype = voiceNoteMimetype
		out.PTT = true
		if out.Filename == "" {
			out.Filename = defaultAudioName
		} else if ext := path.Ext(out.Filename); ext != ".ogg" {
			out.Filename = strings.TrimSuffix(out.Filename, ext) + ".ogg"
		}
	}
	return &out
}

func decodeMediaData(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		if _, payload, ok := strings.Cut(data, ","); ok {
			data = payload
		}
	}
	return base64.StdEncoding.DecodeString(data)
}

func mediaTypeFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(mime, "audio/"):
		return models.MessageTypeAudio
	case strings.HasPrefix(mime, "video/"):
		return models.MessageTypeVideo
	case mime == "":
		return ""
	}
	return models.MessageTypeDocument
}

// GatewaySendRequest is the body of POST {base}/send-message
type GatewaySendRequest struct {
	Phone   string        `json:"phone"`
	Message string        `json:"message"`
	Media   *MediaPayload `json:"media,omitempty"`
}

// GatewaySendResponse is what a gateway answers to a send
type GatewaySendResponse struct {
	MessageID  string `json:"message_id"`
	MessageID2 string `json:"messageId"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// ExternalID returns whichever message id field the gateway filled
func (r GatewaySendResponse) ExternalID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.MessageID2
}

// GatewayError is a non-2xx answer from a gateway
type GatewayError struct {
	Slug       string
	HTTPStatus int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway %s returned HTTP %d", e.Slug, e.HTTPStatus)
	}
	return fmt.Sprintf("gateway %s returned HTTP %d: %s", e.Slug, e.HTTPStatus, e.Message)
}

// GatewaySender delivers one message through one gateway instance
type GatewaySender interface {
	SendMessage(ctx context.Context, inst models.GatewayInstance, req GatewaySendRequest) (string, error)
}

// GatewayHealth is the result of probing an instance
type GatewayHealth struct {
	Slug       string `json:"slug"`
	OK         bool   `json:"ok"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
}

// GatewayClient talks to alt gateway instances over HTTP
type GatewayClient struct {
	httpClient *resty.Client
}

// NewGatewayClient builds a client with a connect timeout and a total
// per-request timeout
func NewGatewayClient(connectTimeout, requestTimeout time.Duration) *GatewayClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetTimeout(requestTimeout).
		SetHeader("User-Agent", "WA-Relay/1.0").
		SetHeader("Accept", "application/json")
	return &GatewayClient{httpClient: client}
}

// SendMessage posts a message and returns the gateway message id
func (c *GatewayClient) SendMessage(ctx context.Context, inst models.GatewayInstance, req GatewaySendRequest) (string, error) {
	if !inst.Configured() {
		return "", fmt.Errorf("gateway %s has no base url or token", inst.Slug)
	}
	var result GatewaySendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(gatewayTokenHeader, inst.CommandToken).
		SetBody(req).
		SetResult(&result).
		SetError(&result).
		Post(inst.BaseURL + "/send-message")
	if err != nil {
		return "", fmt.Errorf("gateway %s request failed: %w", inst.Slug, err)
	}
	if resp.IsError() {
		msg := result.Error
		if msg == "" {
			msg = result.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(truncateRunes(resp.String(), 200))
		}
		return "", &GatewayError{Slug: inst.Slug, HTTPStatus: resp.StatusCode(), Message: msg}
	}
	return result.ExternalID(), nil
}

// Health probes GET {base}/health
func (c *GatewayClient) Health(ctx context.Context, inst models.GatewayInstance) GatewayHealth {
	health := GatewayHealth{Slug: inst.Slug}
	if !inst.Configured() {
		health.Error = "not configured"
		return health
	}
	started := time.Now()
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader(gatewayTokenHeader, inst.CommandToken).
		Get(inst.BaseURL + "/health")
	health.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		health.Error = err.Error()
		return health
	}
	health.HTTPStatus = resp.StatusCode()
	health.OK = resp.IsSuccess()
	if !health.OK {
		health.Error = strings.TrimSpace(truncateRunes(resp.String(), 200))
	}
	return health
}
