package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDt       = 0.02
	DefaultSteps    = 200
	DefaultNTraj    = 40
	DefaultNoiseVar = 0.5
	DefaultHorizon  = 25
	DefaultEps      = 1e-3
	DefaultMaxIter  = 10
	DefaultRidge    = 1e-2
)

type Config struct {
	Dt           float64 `yaml:"dt"`
	Steps        int     `yaml:"steps"`
	Trajectories int     `yaml:"trajectories"`
	NoiseVar     float64 `yaml:"noise_var"`
	Seed         int64   `yaml:"seed"`
	Ridge        float64 `yaml:"ridge"`

	Horizon int     `yaml:"horizon"`
	Eps     float64 `yaml:"eps"`
	MaxIter int     `yaml:"max_iter"`

	Umin      []float64 `yaml:"umin"`
	Umax      []float64 `yaml:"umax"`
	Xmin      []float64 `yaml:"xmin"`
	Xmax      []float64 `yaml:"xmax"`
	Reference []float64 `yaml:"reference"`

	QWeights  []float64 `yaml:"q_weights"`
	QNWeights []float64 `yaml:"qn_weights"`
	RWeights  []float64 `yaml:"r_weights"`
}

func DefaultConfig() *Config {
	return &Config{
		Dt:           DefaultDt,
		Steps:        DefaultSteps,
		Trajectories: DefaultNTraj,
		NoiseVar:     DefaultNoiseVar,
		Seed:         1,
		Ridge:        DefaultRidge,
		Horizon:      DefaultHorizon,
		Eps:          DefaultEps,
		MaxIter:      DefaultMaxIter,
		Umin:         []float64{-3},
		Umax:         []float64{3},
		Xmin:         []float64{-10, -10},
		Xmax:         []float64{10, 10},
		Reference:    []float64{0, 0},
		QWeights:     []float64{10, 1},
		QNWeights:    []float64{100, 10},
		RWeights:     []float64{0.1},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.Dt <= 0:
		return errors.New("dt must be positive")
	case c.Steps < 3:
		return errors.New("steps must be at least 3")
	case c.Trajectories < 1:
		return errors.New("trajectories must be positive")
	case c.Horizon < 1:
		return errors.New("horizon must be positive")
	case c.MaxIter < 1:
		return errors.New("max_iter must be positive")
	case len(c.Umin) != 1 || len(c.Umax) != 1:
		return errors.New("the pendulum demo has one control input")
	case len(c.Xmin) != 2 || len(c.Xmax) != 2 || len(c.Reference) != 2:
		return errors.New("the pendulum demo has two states")
	case len(c.QWeights) != 2 || len(c.QNWeights) != 2 || len(c.RWeights) != 1:
		return errors.New("cost weights must match the state and control dimensions")
	}
	return nil
}
