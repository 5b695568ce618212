package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StorageRef  StorageReference `yaml:"storage"`
	Markets     []MarketRef      `yaml:"markets"`
	Feed        Feed             `yaml:"feed"`
	Aggregation Aggregation      `yaml:"aggregation"`
	Backtest    Backtest         `yaml:"backtest"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

func Read(r io.Reader) (*Config, error) {
	var cfg Config
	d := yaml.NewDecoder(r)
	err := d.Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	return &cfg, nil
}

func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}
	defer f.Close()

	return Read(f)
}

type MarketRef struct {
	Base     string `yaml:"base"`
	Quote    string `yaml:"quote"`
	Exchange string `yaml:"exchange"`
}

// Duration parses yaml strings like "30s" or "1m" via
// time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Feed struct {
	Buffer  int               `yaml:"buffer"`
	Sources []SourceReference `yaml:"sources"`
}

type Aggregation struct {
	Intervals  []Duration `yaml:"intervals"`
	Grace      Duration   `yaml:"grace"`
	TickTTL    Duration   `yaml:"tick_ttl"`
	LatePolicy string     `yaml:"late_policy"` // drop | conflict
}

type Backtest struct {
	Market          MarketRef `yaml:"market"`
	Interval        Duration  `yaml:"interval"`
	Window          int       `yaml:"window"`
	Start           time.Time `yaml:"start"`
	End             time.Time `yaml:"end"`
	Balance         float64   `yaml:"balance"`
	BuyConfidence   float64   `yaml:"buy_confidence"`
	SellConfidence  float64   `yaml:"sell_confidence"`
	MaxScale        float64   `yaml:"max_scale"`
	FixedSize       float64   `yaml:"fixed_size"`
	Exponential     bool      `yaml:"exponential"`
	TakeProfit      float64   `yaml:"take_profit"`
	StopLoss        float64   `yaml:"stop_loss"`
	OpenCommission  float64   `yaml:"open_commission"`
	CloseCommission float64   `yaml:"close_commission"`
	Data            string    `yaml:"data"` // csv bar fixture for memory storage
	Report          string    `yaml:"report"`
	Plot            string    `yaml:"plot"`
	Dump            string    `yaml:"dump"`
}

// storage backends

type Memory struct{}

type Postgres struct {
	URL string `yaml:"url"`
}

type Storage interface{}

type StorageReference struct {
	Storage Storage
}

func (w *StorageReference) UnmarshalYAML(value *yaml.Node) error {
	if len(value.Content) == 0 {
		return nil
	}

	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return errors.New("invalid storage yaml format")
	}

	key := value.Content[0].Value
	switch key {
	case "memory":
		w.Storage = Memory{}
	case "postgres":
		var pg Postgres
		if err := value.Content[1].Decode(&pg); err != nil {
			return fmt.Errorf("failed parsing postgres storage config: %w", err)
		}
		w.Storage = pg
	default:
		return fmt.Errorf("unknown storage type: %s", key)
	}

	return nil
}

// feed sources

type CSVSource struct {
	Market MarketRef `yaml:"market"`
	Path   string    `yaml:"path"`
}

type NATSSource struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type Source interface{}

type SourceReference struct {
	Source Source
}

func (w *SourceReference) UnmarshalYAML(value *yaml.Node) error {
	if len(value.Content) == 0 {
		return nil
	}

	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return errors.New("invalid feed source yaml format")
	}

	key := value.Content[0].Value
	switch key {
	case "csv":
		var src CSVSource
		if err := value.Content[1].Decode(&src); err != nil {
			return fmt.Errorf("failed parsing csv source config: %w", err)
		}
		w.Source = src
	case "nats":
		var src NATSSource
		if err := value.Content[1].Decode(&src); err != nil {
			return fmt.Errorf("failed parsing nats source config: %w", err)
		}
		w.Source = src
	default:
		return fmt.Errorf("unknown feed source type: %s", key)
	}

	return nil
}
