// Package gupshup sends WhatsApp template messages through the Gupshup API.
package gupshup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blastbot/internal/broadcast"
	logx "blastbot/pkg/logx"
)

const defaultBaseURL = "https://api.gupshup.io"

type Config struct {
	APIKey  string
	AppName string
	// Source is the sender phone number in international digits.
	Source  string
	Timeout time.Duration

	// BaseURL overrides the API endpoint (tests).
	BaseURL string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Send posts one template message. Gupshup acknowledges accepted sends
// with HTTP 202; any other status is reported verbatim so the dispatcher
// can log the body excerpt.
func (c *Client) Send(ctx context.Context, msg broadcast.OutboundMessage) (int, string, error) {
	tpl, err := json.Marshal(struct {
		ID           string   `json:"id"`
		LanguageCode string   `json:"languageCode"`
		Params       []string `json:"params"`
	}{ID: msg.TemplateID, LanguageCode: msg.Lang, Params: []string{msg.Text}})
	if err != nil {
		return 0, "", err
	}

	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", c.cfg.Source)
	form.Set("destination", strings.TrimPrefix(msg.Dest, "+"))
	form.Set("src.name", c.cfg.AppName)
	form.Set("template", string(tpl))
	if msg.MediaURL != "" {
		media, merr := json.Marshal(map[string]any{
			"type":  "image",
			"image": map[string]string{"link": msg.MediaURL},
		})
		if merr != nil {
			return 0, "", merr
		}
		form.Set("message", string(media))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/wa/api/v1/template/msg", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

// Template is one entry from the app's template catalog.
type Template struct {
	ID           string `json:"id"`
	ElementName  string `json:"elementName"`
	LanguageCode string `json:"languageCode"`
	Status       string `json:"status"`
	Data         string `json:"data"`
}

// Templates fetches the approved template catalog for the app.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	u := c.cfg.BaseURL + "/sm/api/v1/template/list/" + url.PathEscape(c.cfg.AppName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("template list: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Templates []Template `json:"templates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("template list decode: %w", err)
	}

	approved := out.Templates[:0]
	for _, t := range out.Templates {
		if strings.EqualFold(t.Status, "APPROVED") {
			approved = append(approved, t)
		}
	}
	return approved, nil
}
