package gateway

import (
	"fmt"

	"exec-engine/pkg/db"
	"exec-engine/pkg/exchanges/binance"
	"exec-engine/pkg/exchanges/common"
	"exec-engine/pkg/exchanges/dryrun"
	"exec-engine/pkg/exchanges/upbit"
)

// FactoryConfig carries endpoint overrides and the dry-run switch into the
// default factory.
type FactoryConfig struct {
	// DryRun replaces every real venue with the simulator.
	DryRun bool

	// Endpoint overrides for testnets or self-hosted mocks. Empty means the
	// client's production default.
	BinanceSpotURL    string
	BinanceFuturesURL string
	UpbitURL          string
}

// NewFactory returns the production factory mapping account exchanges onto
// venue clients.
func NewFactory(cfg FactoryConfig) Factory {
	return func(acct *db.Account, apiKey, apiSecret string, market common.MarketType, pacer common.Pacer) (common.Client, error) {
		if cfg.DryRun {
			return dryrun.New(dryrun.Config{Market: market}), nil
		}

		switch acct.Exchange {
		case "binance":
			base := cfg.BinanceSpotURL
			if market == common.MarketFutures {
				base = cfg.BinanceFuturesURL
			}
			return binance.New(binance.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Market:    market,
				Testnet:   acct.IsTestnet,
				BaseURL:   base,
				Pacer:     pacer,
			}), nil

		case "upbit":
			if market == common.MarketFutures {
				return nil, fmt.Errorf("%w: upbit is spot only", ErrMarketNotOffered)
			}
			return upbit.New(upbit.Config{
				AccessKey: apiKey,
				SecretKey: apiSecret,
				BaseURL:   cfg.UpbitURL,
				Pacer:     pacer,
			}), nil

		case "dryrun":
			return dryrun.New(dryrun.Config{Market: market}), nil

		default:
			return nil, fmt.Errorf("unsupported exchange: %s", acct.Exchange)
		}
	}
}
