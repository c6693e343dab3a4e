// Package crm pulls audiences out of an amoCRM/Kommo account.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"blastbot/internal/metrics"
	logx "blastbot/pkg/logx"
)

// ErrNoWorkingDomain means neither the .amocrm.ru nor the .kommo.com API
// host answered the account probe.
var ErrNoWorkingDomain = errors.New("no working amoCRM/Kommo domain")

type Config struct {
	Subdomain   string
	AccessToken string
	Timeout     time.Duration

	// BaseURLs overrides domain autodetection (tests). When empty the
	// client probes <subdomain>.amocrm.ru then <subdomain>.kommo.com.
	BaseURLs []string
}

type Pipeline struct {
	ID   int64
	Name string
}

type Status struct {
	ID   int64
	Name string
}

type Lead struct {
	ID         int64
	Name       string
	ContactIDs []int64
}

// ContactCard is a CRM contact with its first PHONE custom field.
type ContactCard struct {
	ID    int64
	Name  string
	Phone string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	met  *metrics.Metrics

	mu      sync.Mutex
	baseURL string
}

func New(cfg Config, met *metrics.Metrics, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(cfg.BaseURLs) == 0 {
		cfg.BaseURLs = []string{
			"https://" + cfg.Subdomain + ".amocrm.ru/api/v4",
			"https://" + cfg.Subdomain + ".kommo.com/api/v4",
		}
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		met:  met,
	}
}

// base returns the working API root, probing /account on first use.
// Accounts migrate between the Russian and the international domain, so
// the choice is discovered rather than configured.
func (c *Client) base(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseURL != "" {
		return c.baseURL, nil
	}
	for _, u := range c.cfg.BaseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"/account", nil)
		if err != nil {
			continue
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			c.baseURL = u
			c.log.Info("crm domain detected", logx.String("base_url", u))
			return u, nil
		}
	}
	return "", ErrNoWorkingDomain
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
}

// get performs one API GET and decodes the body into out.
// A 204 is reported as (false, nil): no content, not an error.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (bool, error) {
	baseURL, err := c.base(ctx)
	if err != nil {
		c.met.CRMRequest("error")
		return false, err
	}
	u := baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.met.CRMRequest("error")
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		c.met.CRMRequest("ok")
		return false, nil
	case resp.StatusCode != http.StatusOK:
		c.met.CRMRequest("error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("crm %s: http %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.met.CRMRequest("error")
		return false, fmt.Errorf("crm %s: decode: %w", path, err)
	}
	c.met.CRMRequest("ok")
	return true, nil
}

// Pipelines lists the account's lead pipelines.
func (c *Client) Pipelines(ctx context.Context) ([]Pipeline, error) {
	var raw struct {
		Embedded struct {
			Pipelines []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"pipelines"`
		} `json:"_embedded"`
	}
	ok, err := c.get(ctx, "/leads/pipelines", nil, &raw)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]Pipeline, 0, len(raw.Embedded.Pipelines))
	for _, p := range raw.Embedded.Pipelines {
		out = append(out, Pipeline{ID: p.ID, Name: p.Name})
	}
	return out, nil
}

// PipelineStatuses lists the stages of one pipeline.
func (c *Client) PipelineStatuses(ctx context.Context, pipelineID int64) ([]Status, error) {
	var raw struct {
		Embedded struct {
			Statuses []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"statuses"`
		} `json:"_embedded"`
	}
	ok, err := c.get(ctx, "/leads/pipelines/"+strconv.FormatInt(pipelineID, 10), nil, &raw)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]Status, 0, len(raw.Embedded.Statuses))
	for _, s := range raw.Embedded.Statuses {
		out = append(out, Status{ID: s.ID, Name: s.Name})
	}
	return out, nil
}

// Leads fetches every lead in one pipeline stage, with its linked contact
// ids, paging 250 at a time until the API answers 204 or an empty batch.
func (c *Client) Leads(ctx context.Context, pipelineID, statusID int64) ([]Lead, error) {
	var out []Lead
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("limit", "250")
		q.Set("page", strconv.Itoa(page))
		q.Set("filter[statuses][0][pipeline_id]", strconv.FormatInt(pipelineID, 10))
		q.Set("filter[statuses][0][status_id]", strconv.FormatInt(statusID, 10))
		q.Set("with", "contacts")

		var raw struct {
			Embedded struct {
				Leads []struct {
					ID       int64  `json:"id"`
					Name     string `json:"name"`
					Embedded struct {
						Contacts []struct {
							ID int64 `json:"id"`
						} `json:"contacts"`
					} `json:"_embedded"`
				} `json:"leads"`
			} `json:"_embedded"`
		}
		ok, err := c.get(ctx, "/leads", q, &raw)
		if err != nil {
			return nil, err
		}
		if !ok || len(raw.Embedded.Leads) == 0 {
			break
		}
		for _, l := range raw.Embedded.Leads {
			lead := Lead{ID: l.ID, Name: l.Name}
			for _, ct := range l.Embedded.Contacts {
				lead.ContactIDs = append(lead.ContactIDs, ct.ID)
			}
			out = append(out, lead)
		}
	}
	return out, nil
}

// ContactsBulk resolves contact cards in chunks of 200 ids.
func (c *Client) ContactsBulk(ctx context.Context, ids []int64) (map[int64]ContactCard, error) {
	result := make(map[int64]ContactCard, len(ids))
	for start := 0; start < len(ids); start += 200 {
		end := start + 200
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{}
		q.Set("with", "custom_fields_values")
		for i, id := range ids[start:end] {
			q.Set(fmt.Sprintf("id[%d]", i), strconv.FormatInt(id, 10))
		}

		var raw struct {
			Embedded struct {
				Contacts []struct {
					ID                int64  `json:"id"`
					Name              string `json:"name"`
					CustomFieldValues []struct {
						FieldCode string `json:"field_code"`
						Values    []struct {
							Value any `json:"value"`
						} `json:"values"`
					} `json:"custom_fields_values"`
				} `json:"contacts"`
			} `json:"_embedded"`
		}
		ok, err := c.get(ctx, "/contacts", q, &raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, co := range raw.Embedded.Contacts {
			card := ContactCard{ID: co.ID, Name: co.Name}
			for _, f := range co.CustomFieldValues {
				if f.FieldCode != "PHONE" {
					continue
				}
				for _, v := range f.Values {
					if s := fmt.Sprint(v.Value); s != "" && s != "<nil>" {
						card.Phone = s
						break
					}
				}
				if card.Phone != "" {
					break
				}
			}
			result[co.ID] = card
		}
	}
	return result, nil
}
