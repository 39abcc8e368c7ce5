package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"egress-pool/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonServer(t *testing.T, check func(r *http.Request), body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBrightDataFetch(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "z1", r.URL.Query().Get("zone"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "residential", r.URL.Query().Get("ip_type"))
	}, `{"ips":[{"ip":"203.0.113.1","country":"us"},{"ip":"bad"},{"ip":"203.0.113.2"}]}`)

	cfg := &models.ProviderConfig{
		Name:     "bd",
		Type:     models.ProviderBrightData,
		APIKey:   "key",
		Username: "cust",
		Password: "pw",
		Endpoint: srv.URL,
		Options:  map[string]string{models.OptZone: "z1", models.OptMaxUsersPerIP: "3"},
	}
	set := NewSet(testLogger(), 5*time.Second)
	got, err := set.Fetch(context.Background(), cfg, Filter{Type: models.ResidentialType}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "203.0.113.1", got[0].Address)
	assert.Equal(t, "US", got[0].CountryCode)
	assert.Equal(t, "cust-us.z1.brightdata.com:22225", got[0].Endpoint)
	assert.Equal(t, "cust-zone-z1-ip-203.0.113.1", got[0].Username)
	assert.Equal(t, "cust-any.z1.brightdata.com:22225", got[1].Endpoint)
	for _, c := range got {
		assert.Equal(t, "bd", c.Provider)
		assert.Equal(t, 3, c.MaxUsers)
		assert.Equal(t, models.ResidentialType, c.Type)
	}
}

func TestBrightDataRequiresZone(t *testing.T) {
	p := newBrightDataProvider(testLogger())
	_, err := p.Fetch(context.Background(), &models.ProviderConfig{APIKey: "k"}, Filter{}, 1)
	assert.Error(t, err)
}

func TestOxylabsFetch(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req oxylabsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Count)
		assert.Equal(t, "DE", req.Country)
	}, `{"proxies":[{"ip":"203.0.113.5","port":"8000","country":"de","region":"berlin","city":"Spandau","type":"Datacenter"},{"ip":"203.0.113.6","port":70000}]}`)

	p := newOxylabsProvider(testLogger())
	got, err := p.Fetch(context.Background(), &models.ProviderConfig{APIKey: "k", Endpoint: srv.URL}, Filter{Country: "de"}, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.5:8000", got[0].Endpoint)
	assert.Equal(t, "DE", got[0].CountryCode)
	assert.Equal(t, "berlin", got[0].Region)
	assert.Equal(t, models.DatacenterType, got[0].Type)
}

func TestSmartproxyFiltersLocally(t *testing.T) {
	srv := jsonServer(t, nil, `{"endpoints":[
		{"ip":"203.0.113.20","country_code":"us","region":"ny","proxy_type":"residential"},
		{"ip":"203.0.113.21","country_code":"fr","proxy_type":"residential"},
		{"ip":"203.0.113.22","country_code":"us","proxy_type":"datacenter"},
		{"ip":"203.0.113.23","country_code":"us","proxy_type":"residential","host":"us.smartproxy.test","port":20000},
		{"ip":"203.0.113.24","country_code":"us"}
	]}`)

	p := newSmartproxyProvider(testLogger())
	cfg := &models.ProviderConfig{APIKey: "k", Endpoint: srv.URL}
	got, err := p.Fetch(context.Background(), cfg, Filter{Country: "US", Type: models.ResidentialType}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "203.0.113.20:10000", got[0].Endpoint)
	assert.Equal(t, "US", got[0].CountryCode)
	assert.Equal(t, "ny", got[0].Region)
	assert.Equal(t, models.ResidentialType, got[0].Type)
	assert.Equal(t, "us.smartproxy.test:20000", got[1].Endpoint)

	// Entries without proxy_type are datacenter IPs.
	got, err = p.Fetch(context.Background(), cfg, Filter{Country: "us", Type: models.DatacenterType}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "203.0.113.22", got[0].Address)
	assert.Equal(t, "203.0.113.24", got[1].Address)
}

func TestSmartproxyResponseFields(t *testing.T) {
	srv := jsonServer(t, nil, `{"endpoints":[
		{"ip":"203.0.113.30","host":"gate.smartproxy.test","port":10001,"country_code":"US","region":"ca","proxy_type":"mobile"}
	]}`)

	p := newSmartproxyProvider(testLogger())
	got, err := p.Fetch(context.Background(), &models.ProviderConfig{APIKey: "k", Endpoint: srv.URL}, Filter{Country: "US"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Candidate{
		Address:     "203.0.113.30",
		Endpoint:    "gate.smartproxy.test:10001",
		Scheme:      "http",
		CountryCode: "US",
		Region:      "ca",
		Type:        models.MobileType,
	}, got[0])
	assert.Equal(t, "https://api.smartproxy.com/v1/endpoints", smartproxyAPI)
}

func TestCustomFieldMapping(t *testing.T) {
	srv := jsonServer(t, func(r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		assert.Equal(t, "3", r.URL.Query().Get("n"))
		assert.Equal(t, "JP", r.URL.Query().Get("cc"))
	}, `{"result":{"list":[
		{"addr":"198.51.100.7","p":3128,"geo":{"cc":"jp","city":"Tokyo"},"kind":"mobile"},
		{"addr":"not-an-ip","p":3128},
		{"addr":"198.51.100.8","p":"notaport"},
		{"addr":"198.51.100.9","p":70000},
		{"addr":"2001:db8::1","geo":{"cc":"jp"}}
	]}}`)

	cfg := &models.ProviderConfig{
		Endpoint: srv.URL + "/list?fixed=1",
		APIKey:   "secret",
		Options: map[string]string{
			models.OptAuthHeader:   "X-Key",
			models.OptLimitParam:   "n",
			models.OptCountryParam: "cc",
			models.OptItemPath:     "result.list",
			models.OptIPField:      "addr",
			models.OptPortField:    "p",
			models.OptCountryField: "geo.cc",
			models.OptRegionField:  "geo.city",
			models.OptTypeField:    "kind",
		},
	}
	p := newCustomProvider(testLogger())
	got, err := p.Fetch(context.Background(), cfg, Filter{Country: "JP"}, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "198.51.100.7:3128", got[0].Endpoint)
	assert.Equal(t, "JP", got[0].CountryCode)
	assert.Equal(t, "Tokyo", got[0].Region)
	assert.Equal(t, models.MobileType, got[0].Type)
	assert.Equal(t, "2001:db8::1", got[1].Address)
	assert.Empty(t, got[1].Endpoint)
}

func TestStaticFetch(t *testing.T) {
	cfg := &models.ProviderConfig{
		Username: "u",
		Password: "p",
		Options: map[string]string{
			models.OptAddresses: "203.0.113.9, socks5://a:b@203.0.113.10:1080 nonsense",
			models.OptCountry:   "nl",
			models.OptType:      "dedicated",
			models.OptPort:      "8080",
		},
	}
	p := newStaticProvider(testLogger())

	got, err := p.Fetch(context.Background(), cfg, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "203.0.113.9:8080", got[0].Endpoint)
	assert.Equal(t, "u", got[0].Username)
	assert.Equal(t, "socks5", got[1].Scheme)
	assert.Equal(t, "a", got[1].Username)
	assert.Equal(t, "b", got[1].Password)
	assert.Equal(t, "NL", got[1].CountryCode)
	assert.Equal(t, models.DedicatedType, got[1].Type)

	got, err = p.Fetch(context.Background(), cfg, Filter{Country: "US"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGatewaySessions(t *testing.T) {
	exits := []struct{ ip, cc string }{
		{"203.0.113.30", "US"},
		{"203.0.113.30", "US"},
		{"203.0.113.31", "DE"},
		{"203.0.113.32", "us"},
	}
	var transports []string
	p := newSoaxProvider(testLogger()).(*gatewayProvider)
	p.check = func(ctx context.Context, checkerURL, transport string) (*exitInfo, error) {
		i := len(transports)
		transports = append(transports, transport)
		if i >= len(exits) {
			return nil, errors.New("exhausted")
		}
		info := &exitInfo{}
		info.Data.IP = exits[i].ip
		info.Data.CountryCode = exits[i].cc
		return info, nil
	}

	cfg := &models.ProviderConfig{
		Endpoint: "proxy.soax.test:5000",
		Options: map[string]string{
			models.OptPackageID:     "42",
			models.OptPackageKey:    "pk",
			models.OptSessionLength: "600",
		},
	}
	got, err := p.Fetch(context.Background(), cfg, Filter{Country: "US"}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, transports, 4)

	assert.Equal(t, "203.0.113.30", got[0].Address)
	assert.Equal(t, "203.0.113.32", got[1].Address)
	for _, c := range got {
		assert.Equal(t, "proxy.soax.test:5000", c.Endpoint)
		assert.Equal(t, "socks5", c.Scheme)
		assert.Equal(t, "pk", c.Password)
		assert.Equal(t, "US", c.CountryCode)
		assert.True(t, strings.HasPrefix(c.Username, "package-42-country-us-sessionid-"), c.Username)
		assert.True(t, strings.HasSuffix(c.Username, "-sessionlength-600-opt-uniqip"), c.Username)
	}
}

func TestGatewayErrors(t *testing.T) {
	p := newProxyRackProvider(testLogger()).(*gatewayProvider)
	p.check = func(ctx context.Context, checkerURL, transport string) (*exitInfo, error) {
		return nil, fmt.Errorf("dial failed")
	}

	_, err := p.Fetch(context.Background(), &models.ProviderConfig{Endpoint: "gw:1"}, Filter{}, 1)
	assert.Error(t, err, "missing credentials")

	_, err = p.Fetch(context.Background(), &models.ProviderConfig{Endpoint: "gw:1", Username: "u", APIKey: "k"}, Filter{}, 1)
	assert.ErrorContains(t, err, "no sessions established")
}

func TestSetWrapsProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  *models.ProviderConfig
	}{
		{"unknown type", &models.ProviderConfig{Name: "x", Type: "nope"}},
		{"server error", &models.ProviderConfig{Name: "x", Type: models.ProviderOxylabs, APIKey: "k", Endpoint: srv.URL}},
		{"bad json", &models.ProviderConfig{Name: "x", Type: models.ProviderCustom, Endpoint: jsonServer(t, nil, "{").URL}},
	}
	set := NewSet(testLogger(), 5*time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := set.Fetch(context.Background(), tt.cfg, Filter{}, 1)
			var perr *ProviderError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, "x", perr.Provider)
		})
	}
}

func TestSetTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	set := NewSet(testLogger(), 100*time.Millisecond)
	start := time.Now()
	_, err := set.Fetch(context.Background(), &models.ProviderConfig{Name: "slow", Type: models.ProviderCustom, Endpoint: srv.URL}, Filter{}, 1)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLookup(t *testing.T) {
	doc, err := parseJSON([]byte(`{"a":{"b":[{"c":"x"},{"c":7}]}}`))
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"a.b.0.c", "x"},
		{"a.b.1.c", "7"},
		{"a.b.2.c", ""},
		{"a.x", ""},
		{"a.b.c", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, stringAt(doc, tt.path))
		})
	}
}
