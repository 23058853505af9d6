package engine

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"trade_guard/internal/domain"
	"trade_guard/pkg/quant"
)

func genSide() gopter.Gen {
	return gen.OneConstOf(domain.SideLong, domain.SideShort)
}

func genResolverConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(domain.SameDirIgnore, domain.SameDirTrackConfirmations),
		gen.OneConstOf(domain.OppositeMarketReversal, domain.OppositeDefensiveClose),
		gen.OneConstOf(domain.OverrideNever, domain.OverrideOnlyProfit, domain.OverrideProfitAboveX, domain.OverrideAlways),
		gen.Int64Range(0, 5000),
	).Map(func(vs []interface{}) ResolverConfig {
		return ResolverConfig{
			SameDirection:     vs[0].(string),
			OppositeDirection: vs[1].(string),
			EmergencyOverride: vs[2].(string),
			OverrideProfitBps: vs[3].(int64),
		}
	})
}

func TestResolveProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)
	now := time.Now()

	properties.Property("deterministic and structurally sound", prop.ForAll(
		func(alertSide, openSide string, hasOpen, banned bool, priceUnits int64, cfg ResolverConfig) bool {
			alert := mkAlert("BTCUSDT", alertSide)
			var open []*domain.Position
			if hasOpen {
				open = append(open, mkOpen("BTCUSDT", openSide))
			}
			var ban *domain.SymbolBan
			if banned {
				ban = &domain.SymbolBan{Symbol: "BTCUSDT", ExpiresAtUnixM: now.Add(time.Hour).UnixMicro()}
			}
			cur := quant.PriceMicros(priceUnits * quant.PriceScale)

			first := Resolve(alert, open, ban, cur, cfg, now)
			second := Resolve(alert, open, ban, cur, cfg, now)

			if first.Decision != second.Decision || first.Reason != second.Reason {
				return false
			}
			if banned && first.Decision != domain.DecisionReject {
				return false
			}
			if !hasOpen && !banned && first.Decision != domain.DecisionProceed {
				return false
			}
			switch first.Decision {
			case domain.DecisionCloseAndOpen:
				return first.ToClose != nil
			case domain.DecisionUpgrade:
				return first.ToUpgrade != nil
			case domain.DecisionReject:
				return first.Reason != ""
			}
			return true
		},
		genSide(), genSide(), gen.Bool(), gen.Bool(), gen.Int64Range(1, 100000), genResolverConfig(),
	))

	properties.Property("same-direction duplicates never open a second position", prop.ForAll(
		func(side string, cfg ResolverConfig) bool {
			alert := mkAlert("BTCUSDT", side)
			open := []*domain.Position{mkOpen("BTCUSDT", side)}
			res := Resolve(alert, open, nil, 0, cfg, now)
			return res.Decision != domain.DecisionProceed && res.Decision != domain.DecisionCloseAndOpen
		},
		genSide(), genResolverConfig(),
	))

	properties.TestingRun(t)
}
