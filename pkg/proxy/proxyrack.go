package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"egress-pool/pkg/models"
)

func newProxyRackProvider(logger *slog.Logger) Provider {
	return newGatewayProvider(string(models.ProviderProxyRack), logger, proxyRackSession)
}

func proxyRackSession(cfg *models.ProviderConfig, filter Filter, sessionID int) (session, error) {
	if cfg.Username == "" || cfg.APIKey == "" {
		return session{}, errors.New("ProxyRack username and API key are required")
	}
	user := cfg.Username
	if filter.Country != "" {
		user += "-country-" + strings.ToUpper(filter.Country)
	}
	user += fmt.Sprintf("-session-%d-refreshMinutes-%d", sessionID, (sessionLength(cfg)+59)/60)
	return session{Username: user, Password: cfg.APIKey}, nil
}
