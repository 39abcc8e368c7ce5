package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"egress-pool/pkg/fetch"
	"egress-pool/pkg/models"
)

const defaultBaseURL = "https://ipinfo.io"

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

// ASN splits the "AS1234 Example Org" org field.
func (r IPInfoResponse) ASN() (number, org string) {
	parts := strings.SplitN(r.Org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", r.Org
}

type Client struct {
	token   string
	baseURL string
	timeout time.Duration
}

func NewClient(token string) *Client {
	return &Client{token: token, baseURL: defaultBaseURL, timeout: 10 * time.Second}
}

// WithBaseURL points the client at another ipinfo compatible endpoint.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) GetIPInfo(ctx context.Context, ip string) (IPInfoResponse, error) {
	u := fmt.Sprintf("%s/%s?token=%s", c.baseURL, url.PathEscape(ip), url.QueryEscape(c.token))
	res, err := fetch.Fetch(ctx, u, fetch.Options{Timeout: c.timeout})
	if err != nil {
		return IPInfoResponse{}, err
	}
	if res.StatusCode >= 400 {
		return IPInfoResponse{}, fmt.Errorf("ipinfo returned status %d", res.StatusCode)
	}

	var info IPInfoResponse
	if err := json.Unmarshal(res.Body, &info); err != nil {
		return IPInfoResponse{}, fmt.Errorf("failed to decode ipinfo response: %w", err)
	}
	return info, nil
}

// Enrich fills the location of a candidate that the provider left blank.
func (c *Client) Enrich(ctx context.Context, cand *models.Candidate) error {
	if cand.CountryCode != "" {
		return nil
	}
	info, err := c.GetIPInfo(ctx, cand.Address)
	if err != nil {
		return err
	}
	cand.CountryCode = strings.ToUpper(info.Country)
	if cand.Region == "" {
		cand.Region = info.Region
	}
	return nil
}
