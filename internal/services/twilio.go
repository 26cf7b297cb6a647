package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// TwilioService sends official-line messages through the Twilio API
type TwilioService struct {
	client       *twilio.RestClient
	whatsappFrom string // fallback sender, "whatsapp:+14155238886"
	log          zerolog.Logger
}

// NewTwilioService creates a new Twilio service instance
func NewTwilioService(accountSID, authToken, from string, log zerolog.Logger) (*TwilioService, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioService{
		client:       client,
		whatsappFrom: whatsappAddress(from),
		log:          log.With().Str("provider", models.ProviderTwilio).Logger(),
	}, nil
}

// Send delivers a message from the line's sender and returns the message SID
func (t *TwilioService) Send(_ context.Context, line *models.Line, msg LineMessage) (string, error) {
	from := t.whatsappFrom
	if line != nil && line.SenderID != "" {
		from = whatsappAddress(line.SenderID)
	}
	if from == "" {
		return "", fmt.Errorf("twilio line has no sender")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(whatsappAddress("+" + DigitsOnly(msg.To)))

	if msg.Template != nil {
		// Content templates are required outside the customer service window
		params.SetContentSid(msg.Template.SID)
		if len(msg.Template.Variables) > 0 {
			variablesJSON, err := json.Marshal(msg.Template.Variables)
			if err != nil {
				return "", fmt.Errorf("failed to marshal content variables: %w", err)
			}
			params.SetContentVariables(string(variablesJSON))
		}
	} else {
		params.SetBody(msg.Body)
	}
	if msg.Media != nil && msg.Media.URL != "" {
		params.SetMediaUrl([]string{msg.Media.URL})
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		t.log.Error().Err(err).Str("phone", msg.To).Msg("Failed to send WhatsApp message")
		return "", err
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		errMsg := ""
		if resp.ErrorMessage != nil {
			errMsg = *resp.ErrorMessage
		}
		return "", fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, errMsg)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	t.log.Info().Str("sid", sid).Str("phone", msg.To).Msg("WhatsApp message sent")
	return sid, nil
}

func whatsappAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || value == "+" {
		return ""
	}
	if strings.HasPrefix(value, "whatsapp:") {
		return value
	}
	return "whatsapp:" + value
}
