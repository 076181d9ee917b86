package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TotalSessions  int `yaml:"total_sessions"`
	TickIntervalMs int `yaml:"tick_interval_ms"`
	AgentWindowSec int `yaml:"agent_window_sec"`

	Reactor ReactorTuning `yaml:"reactor"`
	Power   PowerTuning   `yaml:"power"`
	Economy EconomyTuning `yaml:"economy"`
}

type ReactorTuning struct {
	TempMin       float64 `yaml:"temp_min"`
	TempMax       float64 `yaml:"temp_max"`
	TempThreshold float64 `yaml:"temp_threshold"`
	TempReset     float64 `yaml:"temp_reset"`
	AnomalyHeat   float64 `yaml:"anomaly_heat"`

	// Signed per-tick temperature deltas per reactor mode. Negative cools.
	DeltaNormal    float64 `yaml:"delta_normal"`
	DeltaLowPower  float64 `yaml:"delta_low_power"`
	DeltaOverclock float64 `yaml:"delta_overclock"`
}

type PowerTuning struct {
	Capacity         float64 `yaml:"capacity"`
	CostBase         float64 `yaml:"cost_base"`
	CostPerTerminal  float64 `yaml:"cost_per_terminal"`
	CostPerAutopilot float64 `yaml:"cost_per_autopilot"`
	CostLowLatency   float64 `yaml:"cost_low_latency"`
	CostOptimizer    float64 `yaml:"cost_optimizer"`

	BuyPrice  int64   `yaml:"buy_price"`
	BuyAmount float64 `yaml:"buy_amount"`
}

type EconomyTuning struct {
	TaxRate           float64 `yaml:"tax_rate"`
	Treasury          int64   `yaml:"treasury"`
	DefaultTaskReward int64   `yaml:"default_task_reward"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TotalSessions:   8,
		TickIntervalMs:  1000,
		AgentWindowSec:  180,
		Reactor: ReactorTuning{
			TempMin:        20,
			TempMax:        1000,
			TempThreshold:  400,
			TempReset:      20,
			AnomalyHeat:    15,
			DeltaNormal:    -0.5,
			DeltaLowPower:  -1.5,
			DeltaOverclock: 2.0,
		},
		Power: PowerTuning{
			Capacity:         100,
			CostBase:         10,
			CostPerTerminal:  5,
			CostPerAutopilot: 10,
			CostLowLatency:   30,
			CostOptimizer:    15,
			BuyPrice:         1000,
			BuyAmount:        50,
		},
		Economy: EconomyTuning{
			TaxRate:           0.20,
			Treasury:          0,
			DefaultTaskReward: 100,
		},
	}
}
