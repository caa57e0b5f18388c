package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RequestFields names the JSON fields of a gateway send request.
type RequestFields struct {
	APIKey    string
	PartnerID string
	Message   string
	SenderID  string
	Mobile    string
}

// ResponseFields locates the per-recipient result list in a gateway reply
// and the fields read from its first entry.
type ResponseFields struct {
	Results     string
	Code        string
	Description string
	MessageID   string
}

type GatewayConfig struct {
	Name        string
	URL         string
	APIKey      string
	PartnerID   string
	SenderID    string
	CountryCode string
	// SuccessCode is compared with the provider's status code as text.
	SuccessCode string
	Timeout     time.Duration
	Request     RequestFields
	Response    ResponseFields
}

// AdvantaDefaults returns the wire layout of the Advanta bulk SMS API.
// Credentials still have to be filled in.
func AdvantaDefaults() GatewayConfig {
	return GatewayConfig{
		Name:        "advanta",
		URL:         "https://quicksms.advantasms.com/api/services/sendsms/",
		CountryCode: DefaultCountryCode,
		SuccessCode: "200",
		Timeout:     10 * time.Second,
		Request: RequestFields{
			APIKey:    "apikey",
			PartnerID: "partnerID",
			Message:   "message",
			SenderID:  "shortcode",
			Mobile:    "mobile",
		},
		Response: ResponseFields{
			Results:     "responses",
			Code:        "respose-code",
			Description: "response-description",
			MessageID:   "messageid",
		},
	}
}

type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "api key")
	}
	if cfg.PartnerID == "" {
		missing = append(missing, "partner id")
	}
	if cfg.SenderID == "" {
		missing = append(missing, "sender id")
	}
	if cfg.URL == "" {
		missing = append(missing, "url")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s needs %v", ErrMissingCredentials, cfg.Name, missing)
	}
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *Gateway) Name() string { return g.cfg.Name }

func (g *Gateway) Send(ctx context.Context, phoneNumber, message string) SendResult {
	mobile := NormalizePhone(phoneNumber, g.cfg.CountryCode)
	if mobile == "" {
		return failed(g.cfg.Name, fmt.Sprintf("invalid phone number %q", phoneNumber))
	}

	body, err := json.Marshal(map[string]string{
		g.cfg.Request.APIKey:    g.cfg.APIKey,
		g.cfg.Request.PartnerID: g.cfg.PartnerID,
		g.cfg.Request.Message:   message,
		g.cfg.Request.SenderID:  g.cfg.SenderID,
		g.cfg.Request.Mobile:    mobile,
	})
	if err != nil {
		return failed(g.cfg.Name, fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return failed(g.cfg.Name, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return failed(g.cfg.Name, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed(g.cfg.Name, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(g.cfg.Name, fmt.Sprintf("http status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	return g.parse(raw)
}

func (g *Gateway) parse(raw []byte) SendResult {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var reply map[string]any
	if err := dec.Decode(&reply); err != nil {
		return failed(g.cfg.Name, fmt.Sprintf("decode response: %v", err))
	}

	results, ok := reply[g.cfg.Response.Results].([]any)
	if !ok || len(results) == 0 {
		return failed(g.cfg.Name, fmt.Sprintf("response has no %q entries", g.cfg.Response.Results))
	}
	entry, ok := results[0].(map[string]any)
	if !ok {
		return failed(g.cfg.Name, "malformed response entry")
	}

	code := field(entry, g.cfg.Response.Code)
	desc := field(entry, g.cfg.Response.Description)
	if code != g.cfg.SuccessCode {
		return failed(g.cfg.Name, fmt.Sprintf("provider code %s: %s", code, desc))
	}

	return SendResult{
		Success:           true,
		ProviderMessageID: field(entry, g.cfg.Response.MessageID),
		ProviderName:      g.cfg.Name,
	}
}

func field(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
