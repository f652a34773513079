// Package gateway resolves user credentials into live exchange adapters and
// manages their lifecycle.
package gateway

import (
	"fmt"
	"strings"

	"tradehook/pkg/exchanges/binance"
	"tradehook/pkg/exchanges/bitget"
	"tradehook/pkg/exchanges/common"
	"tradehook/pkg/exchanges/okx"
)

// Credentials are the decrypted API credentials for one venue.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Factory builds an adapter for an exchange from decrypted credentials.
type Factory func(exchange string, creds Credentials, testnet bool) (common.Adapter, error)

// DefaultFactory supports the built-in venues.
func DefaultFactory(exchange string, creds Credentials, testnet bool) (common.Adapter, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			Testnet:   testnet,
		}), nil
	case "okx":
		return okx.New(okx.Config{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Passphrase: creds.Passphrase,
			Testnet:    testnet,
		}), nil
	case "bitget":
		return bitget.New(bitget.Config{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Passphrase: creds.Passphrase,
			Testnet:    testnet,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchange)
	}
}
