package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAuthToken = "12345"

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func twilioApp(cfg TwilioAuthConfig) *fiber.App {
	app := fiber.New()
	app.Post("/webhook/twilio", ValidateTwilioSignature(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func twilioRequest(form url.Values, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	return req
}

func TestValidateTwilioSignature(t *testing.T) {
	form := url.Values{
		"From":       {"whatsapp:+5511988887777"},
		"Body":       {"oi"},
		"MessageSid": {"SM123"},
	}
	cfg := TwilioAuthConfig{AuthToken: testAuthToken, PublicBaseURL: "https://relay.example.com/", Log: zerolog.Nop()}

	tests := []struct {
		name      string
		cfg       TwilioAuthConfig
		signature string
		want      int
	}{
		{"valid signature", cfg, sign(testAuthToken, "https://relay.example.com/webhook/twilio", form), fiber.StatusNoContent},
		{"missing signature", cfg, "", fiber.StatusUnauthorized},
		{"signed with another token", cfg, sign("other", "https://relay.example.com/webhook/twilio", form), fiber.StatusUnauthorized},
		{"signed for another url", cfg, sign(testAuthToken, "https://evil.example.com/webhook/twilio", form), fiber.StatusUnauthorized},
		{"no auth token configured", TwilioAuthConfig{Log: zerolog.Nop()}, "abc", fiber.StatusInternalServerError},
		{"validation disabled", TwilioAuthConfig{Disabled: true}, "", fiber.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := twilioApp(tt.cfg).Test(twilioRequest(form, tt.signature))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

type staticTokens map[string]string

func (s staticTokens) ValidWebhookToken(slug, token string) bool {
	expected, ok := s[slug]
	return ok && expected == token
}

func TestValidateGatewayToken(t *testing.T) {
	app := fiber.New()
	app.Post("/webhook/gateway/:slug", ValidateGatewayToken(staticTokens{"wpp1": "secret"}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	tests := []struct {
		name  string
		slug  string
		token string
		want  int
	}{
		{"matching token", "wpp1", "secret", fiber.StatusAccepted},
		{"wrong token", "wpp1", "nope", fiber.StatusUnauthorized},
		{"unknown instance", "wpp9", "secret", fiber.StatusUnauthorized},
		{"missing token", "wpp1", "", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook/gateway/"+tt.slug, strings.NewReader("{}"))
			if tt.token != "" {
				req.Header.Set(GatewayTokenHeader, tt.token)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
