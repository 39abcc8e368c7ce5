package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"egress-pool/pkg/models"
)

func newSoaxProvider(logger *slog.Logger) Provider {
	return newGatewayProvider(string(models.ProviderSOAX), logger, soaxSession)
}

func soaxSession(cfg *models.ProviderConfig, filter Filter, sessionID int) (session, error) {
	packageID := cfg.Option(models.OptPackageID, "")
	packageKey := cfg.Option(models.OptPackageKey, cfg.APIKey)
	if packageID == "" || packageKey == "" {
		return session{}, errors.New("SOAX package ID and package key are required")
	}
	user := fmt.Sprintf("package-%s", packageID)
	if filter.Country != "" {
		user += "-country-" + strings.ToLower(filter.Country)
	}
	user += fmt.Sprintf("-sessionid-%d-sessionlength-%d-opt-uniqip", sessionID, sessionLength(cfg))
	return session{Username: user, Password: packageKey}, nil
}
