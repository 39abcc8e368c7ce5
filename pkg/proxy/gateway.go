package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"egress-pool/pkg/fetch"
	"egress-pool/pkg/models"
)

const (
	defaultCheckerURL    = "https://checker.soax.com/api/ipinfo"
	defaultSessionLength = 360
	maxSessionAttempts   = 3
)

// exitInfo is the subset of the checker response used to identify the exit IP.
type exitInfo struct {
	Status bool `json:"status"`
	Data   struct {
		IP          string `json:"ip"`
		CountryCode string `json:"country_code"`
		CountryName string `json:"country_name"`
		City        string `json:"city"`
		Region      string `json:"region"`
		Carrier     string `json:"carrier"`
	} `json:"data"`
}

// session is one sticky gateway session: a proxy login that keeps the same
// exit IP for SessionLength seconds.
type session struct {
	Username string
	Password string
}

// gatewayProvider hands out sticky sessions on a rotating gateway. Each
// candidate is a session whose exit IP was learned through the checker URL.
type gatewayProvider struct {
	name    string
	logger  *slog.Logger
	session func(cfg *models.ProviderConfig, filter Filter, sessionID int) (session, error)
	// check resolves the exit IP seen through transport.
	check func(ctx context.Context, checkerURL, transport string) (*exitInfo, error)

	mu  sync.Mutex
	rnd *rand.Rand
}

func newGatewayProvider(name string, logger *slog.Logger, build func(*models.ProviderConfig, Filter, int) (session, error)) *gatewayProvider {
	return &gatewayProvider{
		name:    name,
		logger:  logger,
		session: build,
		check:   checkExit,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *gatewayProvider) GetProviderName() string {
	return p.name
}

func (p *gatewayProvider) sessionID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.Intn(1000000)
}

func (p *gatewayProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s endpoint is required", p.name)
	}
	checkerURL := cfg.Option(models.OptCheckerURL, defaultCheckerURL)
	scheme := cfg.Option(models.OptScheme, "socks5")

	seen := make(map[string]bool)
	var candidates []models.Candidate
	var lastErr error
	for attempt := 0; attempt < count*maxSessionAttempts && len(candidates) < count; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}
		s, err := p.session(cfg, filter, p.sessionID())
		if err != nil {
			return nil, err
		}
		transport := fmt.Sprintf("%s://%s:%s@%s", scheme, s.Username, s.Password, cfg.Endpoint)

		info, err := p.check(ctx, checkerURL, transport)
		if err != nil {
			lastErr = err
			if strings.Contains(err.Error(), "general SOCKS server failure") {
				break
			}
			continue
		}
		ip := info.Data.IP
		if !validIP(ip) || seen[ip] {
			continue
		}
		// the gateway sometimes exits in another country
		if filter.Country != "" && !strings.EqualFold(filter.Country, info.Data.CountryCode) {
			p.logger.Debug("IP is from a different country",
				"ip", ip,
				"expected", filter.Country,
				"actual", info.Data.CountryCode)
			continue
		}
		seen[ip] = true
		candidates = append(candidates, models.Candidate{
			Address:     ip,
			Endpoint:    cfg.Endpoint,
			Scheme:      scheme,
			Username:    s.Username,
			Password:    s.Password,
			CountryCode: strings.ToUpper(info.Data.CountryCode),
			Region:      info.Data.Region,
			Type:        resourceTypeOr(string(filter.Type), models.ResidentialType),
		})
	}
	if len(candidates) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no sessions established: %w", lastErr)
	}
	return candidates, nil
}

func checkExit(ctx context.Context, checkerURL, transport string) (*exitInfo, error) {
	result, err := fetch.Fetch(ctx, checkerURL, fetch.Options{
		Transport: transport,
		Headers:   []string{"User-Agent: egress-pool/1.0"},
		Timeout:   timeoutFrom(ctx),
	})
	if err != nil {
		return nil, err
	}
	var info exitInfo
	if err := json.Unmarshal(result.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode IP info: %w", err)
	}
	return &info, nil
}

func sessionLength(cfg *models.ProviderConfig) int {
	if n := cfg.IntOption(models.OptSessionLength, defaultSessionLength); n > 0 {
		return n
	}
	return defaultSessionLength
}
