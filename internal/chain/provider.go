package chain

import (
	"fmt"
	"strings"
)

// Provider names a hosted RPC service.
type Provider string

const (
	ProviderAlchemy Provider = "alchemy"
	ProviderInfura  Provider = "infura"
	ProviderPublic  Provider = "public"
)

// Network names a chain a provider can serve.
type Network string

const (
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy"
	NetworkEthereum    Network = "ethereum"
)

// Endpoints holds the HTTP and WebSocket URLs for one provider/network pair.
// WS is empty when the provider has no WebSocket endpoint for the network.
type Endpoints struct {
	HTTP string
	WS   string
}

type endpointTemplate struct {
	http string
	ws   string
}

var providerEndpoints = map[Provider]map[Network]endpointTemplate{
	ProviderAlchemy: {
		NetworkPolygon:     {"https://polygon-mainnet.g.alchemy.com/v2/%s", "wss://polygon-mainnet.g.alchemy.com/v2/%s"},
		NetworkPolygonAmoy: {"https://polygon-amoy.g.alchemy.com/v2/%s", "wss://polygon-amoy.g.alchemy.com/v2/%s"},
		NetworkEthereum:    {"https://eth-mainnet.g.alchemy.com/v2/%s", "wss://eth-mainnet.g.alchemy.com/v2/%s"},
	},
	ProviderInfura: {
		NetworkPolygon:  {"https://polygon-mainnet.infura.io/v3/%s", "wss://polygon-mainnet.infura.io/ws/v3/%s"},
		NetworkEthereum: {"https://mainnet.infura.io/v3/%s", "wss://mainnet.infura.io/ws/v3/%s"},
	},
	ProviderPublic: {
		NetworkPolygon: {"https://polygon-rpc.com", ""},
	},
}

// ProviderURLs builds the endpoints for a provider and network. Keyed
// providers require a non-empty API key.
func ProviderURLs(provider Provider, network Network, apiKey string) (Endpoints, error) {
	networks, ok := providerEndpoints[Provider(strings.ToLower(string(provider)))]
	if !ok {
		return Endpoints{}, fmt.Errorf("unsupported provider %q", provider)
	}
	tmpl, ok := networks[Network(strings.ToLower(string(network)))]
	if !ok {
		return Endpoints{}, fmt.Errorf("provider %q does not support network %q", provider, network)
	}

	if !strings.Contains(tmpl.http, "%s") {
		return Endpoints{HTTP: tmpl.http, WS: tmpl.ws}, nil
	}
	if apiKey == "" {
		return Endpoints{}, fmt.Errorf("provider %q requires an API key", provider)
	}
	return Endpoints{
		HTTP: fmt.Sprintf(tmpl.http, apiKey),
		WS:   fmt.Sprintf(tmpl.ws, apiKey),
	}, nil
}
