// genconfig writes a starting config.json and an example strategy
// definition so a new executor install has something to edit instead of
// a blank directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"forex-executor/config"
	"forex-executor/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "where to write the sample configuration")
	strategiesDir := flag.String("strategies", "strategies", "where to write the example strategy")
	force := flag.Bool("force", false, "overwrite existing files")
	flag.Parse()

	if !*force {
		if _, err := os.Stat(*configPath); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists, use -force to overwrite\n", *configPath)
			os.Exit(1)
		}
	}

	if err := config.WriteSample(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *configPath)

	if err := os.MkdirAll(*strategiesDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating %s: %v\n", *strategiesDir, err)
		os.Exit(1)
	}

	examplePath := filepath.Join(*strategiesDir, "example-trend.json")
	if _, err := os.Stat(examplePath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists, use -force to overwrite\n", examplePath)
		os.Exit(1)
	}

	example := exampleStrategy()
	if err := example.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "example strategy invalid: %v\n", err)
		os.Exit(1)
	}
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding example strategy: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(examplePath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s: %v\n", examplePath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", examplePath)
}

// exampleStrategy is a conservative trend-following definition touching
// most of the vocabulary: indicator conditions, session and spread
// filters, ATR stop, staged exits with breakeven and trailing.
func exampleStrategy() strategy.Strategy {
	return strategy.Strategy{
		ID:        "example-trend",
		Name:      "EMA pullback (example)",
		Symbols:   []string{"EURUSD", "GBPUSD"},
		Timeframe: "H1",
		Entry: strategy.EntryRules{
			Logic: strategy.LogicAnd,
			Conditions: []strategy.Condition{
				{Indicator: "price", Operator: strategy.OpGreaterThan, Reference: "ema_50"},
				{Indicator: "rsi", Operator: strategy.OpInRange, Value: 40, ValueMax: 65},
				{Indicator: "adx", Operator: strategy.OpGreaterThan, Value: 20},
			},
		},
		Exit: strategy.ExitRules{
			StopLoss:   strategy.StopLossConfig{Type: strategy.StopLossATR, ATRMultiplier: 1.5},
			TakeProfit: strategy.TakeProfitConfig{Type: strategy.TakeProfitRRRatio, RRRatio: 1.6},
			Partials: []strategy.PartialLevel{
				{ID: "first-third", Percent: 33, Trigger: strategy.TriggerRiskMultiple, Value: 1.0, MoveStopToBreakeven: true},
				{ID: "second-third", Percent: 50, Trigger: strategy.TriggerRiskMultiple, Value: 2.0},
			},
			Trailing:          &strategy.TrailingConfig{DistancePips: 20, ActivationPips: 30},
			MaxHoldingMinutes: 2880,
		},
		Risk: strategy.RiskConfig{
			Method:      strategy.SizingRiskPercent,
			RiskPercent: 1.0,
			MaxLots:     1.0,
		},
		Filters: strategy.Filters{
			Session: &strategy.SessionFilter{Sessions: []string{"London", "NewYork"}},
			Spread:  &strategy.SpreadFilter{MaxPips: 3, Action: strategy.ActionSkip},
		},
	}
}
