// Package opportunity scans market snapshots for arbitrage candidates
package opportunity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/pkg/telemetry"
)

const (
	// estTransferMinutes is the default cross-exchange transfer estimate
	// used for ranking; actual transfers are tracked by the executor.
	estTransferMinutes = 10

	// emitCooldown suppresses re-emitting the same opportunity key while
	// an executor is likely still working on it.
	emitCooldown = 5 * time.Minute

	diffRetention = 24 * time.Hour

	recentRingMax = 256
	diffsMax      = 10000
	outBuffer     = 64
)

var hundred = decimal.NewFromInt(100)

// Detector consumes market publishes and produces ranked opportunities.
// Each ranked list is published atomically; accepted candidates also flow
// to the executor through a bounded channel.
type Detector struct {
	market    core.IMarketData
	exchanges map[string]core.IExchange
	symbols   []string
	cfg       config.ArbitrageConfig
	logger    core.ILogger

	ranked atomic.Pointer[[]*core.Opportunity]

	mu       sync.Mutex
	recent   map[core.OpportunityClass][]*core.Opportunity
	diffs    []*core.PriceDiff
	cooldown map[string]time.Time

	out chan *core.Opportunity
}

// NewDetector creates the opportunity detector.
func NewDetector(market core.IMarketData, exchanges map[string]core.IExchange, symbols []string, cfg config.ArbitrageConfig, logger core.ILogger) *Detector {
	d := &Detector{
		market:    market,
		exchanges: exchanges,
		symbols:   symbols,
		cfg:       cfg,
		logger:    logger.WithField("component", "opportunity_detector"),
		recent:    make(map[core.OpportunityClass][]*core.Opportunity),
		cooldown:  make(map[string]time.Time),
		out:       make(chan *core.Opportunity, outBuffer),
	}
	empty := make([]*core.Opportunity, 0)
	d.ranked.Store(&empty)
	return d
}

// Out returns the channel of newly detected opportunities.
func (d *Detector) Out() <-chan *core.Opportunity { return d.out }

// Run scans on every market publish until the context is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("Opportunity detector starting",
		"min_cross_pct", d.cfg.MinCrossPct, "min_triangular_pct", d.cfg.MinTriangularPct)

	epochs := d.market.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Opportunity detector stopping")
			return nil
		case <-epochs:
			d.Scan()
		}
	}
}

// Scan runs one full detection pass over the current snapshot.
func (d *Detector) Scan() {
	snap := d.market.Snapshot()
	now := time.Now().UTC()

	var found []*core.Opportunity
	found = append(found, d.crossScan(snap, now)...)
	found = append(found, d.triangularScan(snap, now)...)

	// Rank by net percentage; on ties prefer the lower-latency class.
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].NetPct.Equal(found[j].NetPct) {
			return found[i].NetPct.GreaterThan(found[j].NetPct)
		}
		if found[i].Class != found[j].Class {
			return found[i].Class == core.ClassTriangular
		}
		return found[i].Symbol < found[j].Symbol
	})

	ranked := make([]*core.Opportunity, len(found))
	copy(ranked, found)
	d.ranked.Store(&ranked)

	metrics := telemetry.GetGlobalMetrics()
	d.mu.Lock()
	d.pruneLocked(now)
	for _, opp := range found {
		ring := append(d.recent[opp.Class], opp)
		if len(ring) > recentRingMax {
			ring = ring[len(ring)-recentRingMax:]
		}
		d.recent[opp.Class] = ring
	}
	emit := make([]*core.Opportunity, 0, len(found))
	for _, opp := range found {
		key := opportunityKey(opp)
		if until, ok := d.cooldown[key]; ok && now.Before(until) {
			continue
		}
		d.cooldown[key] = now.Add(emitCooldown)
		emit = append(emit, opp)
	}
	d.mu.Unlock()

	for _, opp := range emit {
		if metrics.Initialized() {
			metrics.OpportunitiesTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("class", string(opp.Class))))
		}
		d.logger.Info("Opportunity detected",
			"class", opp.Class, "symbol", opp.Symbol, "net_pct", opp.NetPct)
		select {
		case d.out <- opp:
		default:
			d.logger.Warn("Opportunity channel full, dropping",
				"class", opp.Class, "symbol", opp.Symbol)
		}
	}
}

// crossScan checks every symbol across every ordered exchange pair.
func (d *Detector) crossScan(snap *core.MarketSnapshot, now time.Time) []*core.Opportunity {
	var out []*core.Opportunity
	minPct := decimal.NewFromFloat(d.cfg.MinCrossPct)

	names := make([]string, 0, len(d.exchanges))
	for name := range d.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	var newDiffs []*core.PriceDiff
	for _, symbol := range d.symbols {
		base := baseAsset(symbol)
		for _, buyName := range names {
			for _, sellName := range names {
				if buyName == sellName {
					continue
				}
				buyT := snap.Tickers[core.MarketKey{Exchange: buyName, Symbol: symbol}]
				sellT := snap.Tickers[core.MarketKey{Exchange: sellName, Symbol: symbol}]
				if buyT == nil || sellT == nil {
					continue
				}
				if buyT.Ask.IsZero() || !sellT.Bid.GreaterThan(buyT.Ask) {
					continue
				}

				buyInfo := d.exchanges[buyName].Info()
				sellInfo := d.exchanges[sellName].Info()
				if !buyInfo.CanWithdraw || !sellInfo.CanDeposit {
					continue
				}

				gross := sellT.Bid.Sub(buyT.Ask).Div(buyT.Ask)
				wdFee := buyInfo.WithdrawFees[base]
				net := gross.Sub(buyInfo.TakerFee).Sub(sellInfo.TakerFee).Sub(wdFee)
				netPct := net.Mul(hundred)

				newDiffs = append(newDiffs, &core.PriceDiff{
					Symbol:       symbol,
					LowExchange:  buyName,
					HighExchange: sellName,
					LowAsk:       buyT.Ask,
					HighBid:      sellT.Bid,
					AbsDiff:      sellT.Bid.Sub(buyT.Ask),
					PctDiff:      gross.Mul(hundred),
					ObservedAt:   now,
				})

				if netPct.LessThan(minPct) {
					continue
				}
				out = append(out, &core.Opportunity{
					ID:             uuid.New().String(),
					Class:          core.ClassCrossExchange,
					Symbol:         symbol,
					NetPct:         netPct,
					DetectedAt:     now,
					BuyExchange:    buyName,
					SellExchange:   sellName,
					BuyPrice:       buyT.Ask,
					SellPrice:      sellT.Bid,
					EstTransferMin: estTransferMinutes,
					EstTransferFee: wdFee,
				})
			}
		}
	}

	d.mu.Lock()
	d.diffs = append(d.diffs, newDiffs...)
	if len(d.diffs) > diffsMax {
		d.diffs = d.diffs[len(d.diffs)-diffsMax:]
	}
	d.mu.Unlock()

	return out
}

// edge is one conversion in the per-exchange asset graph.
type edge struct {
	to     string
	symbol string
	side   core.OrderSide
	rate   decimal.Decimal
}

// triangularScan enumerates length-3 cycles from the base asset on each
// exchange.
func (d *Detector) triangularScan(snap *core.MarketSnapshot, now time.Time) []*core.Opportunity {
	var out []*core.Opportunity
	minPct := decimal.NewFromFloat(d.cfg.MinTriangularPct)
	one := decimal.NewFromInt(1)

	for name, ex := range d.exchanges {
		fee := ex.Info().TakerFee
		feeKeep := one.Sub(fee)

		graph := make(map[string][]edge)
		for _, symbol := range d.symbols {
			t := snap.Tickers[core.MarketKey{Exchange: name, Symbol: symbol}]
			if t == nil || t.Ask.IsZero() || t.Bid.IsZero() {
				continue
			}
			base, quote := splitSymbol(symbol)
			if base == "" {
				continue
			}
			// Buying X/Y converts quote into base at 1/ask.
			graph[quote] = append(graph[quote], edge{
				to: base, symbol: symbol, side: core.SideBuy,
				rate: one.Div(t.Ask).Mul(feeKeep),
			})
			// Selling X/Y converts base into quote at bid.
			graph[base] = append(graph[base], edge{
				to: quote, symbol: symbol, side: core.SideSell,
				rate: t.Bid.Mul(feeKeep),
			})
		}

		start := d.cfg.BaseAsset
		for _, e1 := range graph[start] {
			if e1.to == start {
				continue
			}
			for _, e2 := range graph[e1.to] {
				if e2.to == start || e2.to == e1.to {
					continue
				}
				for _, e3 := range graph[e2.to] {
					if e3.to != start {
						continue
					}
					endPerUnit := e1.rate.Mul(e2.rate).Mul(e3.rate)
					netPct := endPerUnit.Sub(one).Mul(hundred)
					if netPct.LessThan(minPct) {
						continue
					}
					out = append(out, &core.Opportunity{
						ID:         uuid.New().String(),
						Class:      core.ClassTriangular,
						Symbol:     e1.symbol,
						NetPct:     netPct,
						DetectedAt: now,
						Exchange:   name,
						Path: []core.TriangularStep{
							{Symbol: e1.symbol, Side: e1.side, Rate: e1.rate},
							{Symbol: e2.symbol, Side: e2.side, Rate: e2.rate},
							{Symbol: e3.symbol, Side: e3.side, Rate: e3.rate},
						},
						EndPerUnitStart: endPerUnit,
					})
				}
			}
		}
	}
	return out
}

// Ranked returns the last published ranked list.
func (d *Detector) Ranked() []*core.Opportunity {
	return *d.ranked.Load()
}

// Recent returns the bounded ring of recent opportunities for a class,
// oldest first.
func (d *Detector) Recent(class core.OpportunityClass) []*core.Opportunity {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring := d.recent[class]
	out := make([]*core.Opportunity, len(ring))
	copy(out, ring)
	return out
}

// Diffs returns retained cross-exchange price differences, oldest first.
func (d *Detector) Diffs() []*core.PriceDiff {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*core.PriceDiff, len(d.diffs))
	copy(out, d.diffs)
	return out
}

// pruneLocked drops expired diffs and cooldown entries.
func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-diffRetention)
	i := 0
	for ; i < len(d.diffs); i++ {
		if d.diffs[i].ObservedAt.After(cutoff) {
			break
		}
	}
	if i > 0 {
		d.diffs = append([]*core.PriceDiff(nil), d.diffs[i:]...)
	}

	for key, until := range d.cooldown {
		if now.After(until) {
			delete(d.cooldown, key)
		}
	}
}

func opportunityKey(opp *core.Opportunity) string {
	if opp.Class == core.ClassCrossExchange {
		return string(opp.Class) + "|" + opp.Symbol + "|" + opp.BuyExchange + "|" + opp.SellExchange
	}
	parts := make([]string, 0, len(opp.Path)+2)
	parts = append(parts, string(opp.Class), opp.Exchange)
	for _, step := range opp.Path {
		parts = append(parts, step.Symbol+":"+string(step.Side))
	}
	return strings.Join(parts, "|")
}

func baseAsset(symbol string) string {
	base, _ := splitSymbol(symbol)
	return base
}

func splitSymbol(symbol string) (base, quote string) {
	idx := strings.Index(symbol, "/")
	if idx <= 0 || idx >= len(symbol)-1 {
		return "", ""
	}
	return symbol[:idx], symbol[idx+1:]
}
