package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"termmax/crypto"
	nativecommon "termmax/native/common"

	"github.com/BurntSushi/toml"
)

// Config is the venue daemon configuration.
type Config struct {
	ListenAddress       string `toml:"ListenAddress"`
	MetricsAddress      string `toml:"MetricsAddress"`
	DataDir             string `toml:"DataDir"`
	Owner               string `toml:"Owner"`
	Treasurer           string `toml:"Treasurer"`
	OracleMaxAgeSeconds int64  `toml:"OracleMaxAgeSeconds"`

	Gearing GearingConfig `toml:"gearing"`
	Fees    FeesConfig    `toml:"fees"`
}

// GearingConfig carries the venue-wide risk thresholds, DecimalBase-scaled.
type GearingConfig struct {
	MaxLtv           uint64 `toml:"MaxLtv"`
	LiquidationLtv   uint64 `toml:"LiquidationLtv"`
	LiquidationBonus uint64 `toml:"LiquidationBonus"`
}

// FeesConfig is the default fee schedule applied to newly created markets.
type FeesConfig struct {
	RedeemFeeRatio      uint64 `toml:"RedeemFeeRatio"`
	IssueFtFeeRatio     uint64 `toml:"IssueFtFeeRatio"`
	IssueFtFeeRef       uint64 `toml:"IssueFtFeeRef"`
	BorrowTakerFeeRatio uint64 `toml:"BorrowTakerFeeRatio"`
	BorrowMakerFeeRatio uint64 `toml:"BorrowMakerFeeRatio"`
	LendTakerFeeRatio   uint64 `toml:"LendTakerFeeRatio"`
	LendMakerFeeRatio   uint64 `toml:"LendMakerFeeRatio"`
}

// Load reads the configuration at path, creating a default file when none
// exists, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./termmax-data"
	}
	if cfg.OracleMaxAgeSeconds <= 0 {
		cfg.OracleMaxAgeSeconds = 3600
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate re-checks the protocol caps so a bad file fails at startup, not
// on the first trade.
func (c *Config) Validate() error {
	ratios := map[string]uint64{
		"RedeemFeeRatio":      c.Fees.RedeemFeeRatio,
		"IssueFtFeeRatio":     c.Fees.IssueFtFeeRatio,
		"BorrowTakerFeeRatio": c.Fees.BorrowTakerFeeRatio,
		"BorrowMakerFeeRatio": c.Fees.BorrowMakerFeeRatio,
		"LendTakerFeeRatio":   c.Fees.LendTakerFeeRatio,
		"LendMakerFeeRatio":   c.Fees.LendMakerFeeRatio,
	}
	for name, ratio := range ratios {
		if ratio > nativecommon.MaxFeeRatio {
			return fmt.Errorf("config: %s %d exceeds cap %d", name, ratio, uint64(nativecommon.MaxFeeRatio))
		}
	}
	if c.Fees.IssueFtFeeRef >= nativecommon.DecimalBase {
		return fmt.Errorf("config: IssueFtFeeRef %d must be below %d", c.Fees.IssueFtFeeRef, uint64(nativecommon.DecimalBase))
	}
	if c.Gearing.MaxLtv == 0 || c.Gearing.MaxLtv >= nativecommon.DecimalBase {
		return fmt.Errorf("config: MaxLtv %d out of range", c.Gearing.MaxLtv)
	}
	if c.Gearing.LiquidationLtv <= c.Gearing.MaxLtv || c.Gearing.LiquidationLtv > nativecommon.DecimalBase {
		return fmt.Errorf("config: LiquidationLtv %d must sit between MaxLtv and the decimal base", c.Gearing.LiquidationLtv)
	}
	if c.Gearing.LiquidationBonus > nativecommon.MaxFeeRatio {
		return fmt.Errorf("config: LiquidationBonus %d exceeds cap %d", c.Gearing.LiquidationBonus, uint64(nativecommon.MaxFeeRatio))
	}
	for name, addr := range map[string]string{"Owner": c.Owner, "Treasurer": c.Treasurer} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid %s address: %w", name, err)
		}
	}
	return nil
}

// OwnerAddress decodes the configured owner, falling back to the venue
// module account when unset.
func (c *Config) OwnerAddress() (crypto.Address, error) {
	if strings.TrimSpace(c.Owner) == "" {
		return crypto.ModuleAddress("owner"), nil
	}
	return crypto.DecodeAddress(c.Owner)
}

// TreasurerAddress decodes the configured treasurer, falling back to the
// treasury module account when unset.
func (c *Config) TreasurerAddress() (crypto.Address, error) {
	if strings.TrimSpace(c.Treasurer) == "" {
		return crypto.ModuleAddress("treasury"), nil
	}
	return crypto.DecodeAddress(c.Treasurer)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:       ":8080",
		MetricsAddress:      ":9090",
		DataDir:             "./termmax-data",
		OracleMaxAgeSeconds: 3600,
		Gearing: GearingConfig{
			MaxLtv:           85_000_000,
			LiquidationLtv:   90_000_000,
			LiquidationBonus: 5_000_000,
		},
		Fees: FeesConfig{
			RedeemFeeRatio:      100_000,
			IssueFtFeeRatio:     500_000,
			IssueFtFeeRef:       0,
			BorrowTakerFeeRatio: 300_000,
			BorrowMakerFeeRatio: 200_000,
			LendTakerFeeRatio:   300_000,
			LendMakerFeeRatio:   200_000,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
