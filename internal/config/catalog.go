package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// Catalog is the file-based configuration: alt gateway instances, the
// official lines to seed and the staff/partner directory.
type Catalog struct {
	DefaultGateway string                   `yaml:"default_gateway"`
	Gateways       []models.GatewayInstance `yaml:"gateways"`
	Lines          []LineConfig             `yaml:"lines"`
	Directory      Directory                `yaml:"directory"`
}

// LineConfig seeds one official line
type LineConfig struct {
	Label           string `yaml:"label"`
	Provider        string `yaml:"provider"`
	SenderID        string `yaml:"sender_id"`
	AccessToken     string `yaml:"access_token"`
	APIBaseURL      string `yaml:"api_base_url"`
	Default         bool   `yaml:"default"`
	RateLimitPreset string `yaml:"rate_limit_preset"`
	WindowSeconds   int    `yaml:"rate_limit_window_seconds"`
	MaxMessages     int    `yaml:"rate_limit_max_messages"`
}

// Directory maps staff and partner ids to display names
type Directory struct {
	Users    map[uint]string `yaml:"users"`
	Partners map[uint]string `yaml:"partners"`
}

// LoadCatalog reads the YAML catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes catalog YAML
func ParseCatalog(raw []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range catalog.Gateways {
		gw := &catalog.Gateways[i]
		if gw.WebhookToken == "" {
			gw.WebhookToken = gw.CommandToken
		}
	}
	return &catalog, nil
}

// ToLine converts a line entry to its model, applying presets
func (lc LineConfig) ToLine() models.Line {
	line := models.Line{
		Label:       lc.Label,
		Provider:    lc.Provider,
		SenderID:    lc.SenderID,
		AccessToken: lc.AccessToken,
		APIBaseURL:  lc.APIBaseURL,
		IsDefault:   lc.Default,
	}
	if line.Provider == "" {
		line.Provider = models.ProviderSandbox
	}
	if lc.RateLimitPreset != "" && line.ApplyPreset(lc.RateLimitPreset) {
		return line
	}
	if lc.WindowSeconds > 0 && lc.MaxMessages > 0 {
		line.RateLimitEnabled = true
		line.RateLimitWindowSeconds = lc.WindowSeconds
		line.RateLimitMaxMessages = lc.MaxMessages
	}
	return line
}
