// Package settings holds the option bundle consumed by the partitioning
// core, its validation, the error sum type, and logger construction.
package settings

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// InitialPartitionMethod selects how the first partition is produced.
type InitialPartitionMethod string

const (
	InitialSFC        InitialPartitionMethod = "sfc"
	InitialKMeans     InitialPartitionMethod = "kmeans"
	InitialHierKMeans InitialPartitionMethod = "hierkmeans"
	InitialHierRepart InitialPartitionMethod = "hierrepart"
	// Multisection and spectral partitioning are recognized but not
	// implemented by this repository; selecting them is a configuration
	// error.
	InitialMultisection InitialPartitionMethod = "multisection"
	InitialSpectral     InitialPartitionMethod = "spectral"
)

// SamplingOrder selects how local indices are permuted before the
// progressive-sampling rounds of k-means.
type SamplingOrder string

const (
	// SamplingCantor is the deterministic Cantor interleave; lower
	// variance than random shuffling.
	SamplingCantor SamplingOrder = "cantor"
	// SamplingFisherYates is a seeded random shuffle.
	SamplingFisherYates SamplingOrder = "fisheryates"
)

// BalanceMethod selects the hard-balance post-processing of k-means.
type BalanceMethod string

const (
	BalanceRepart   BalanceMethod = "repart"
	BalanceRebLex   BalanceMethod = "reb_lex"
	BalanceRebImba2 BalanceMethod = "reb_imba2"
)

// Settings carries every option that changes algorithmic behaviour.
type Settings struct {
	NumBlocks      int     `mapstructure:"numBlocks"`
	Dimensions     int     `mapstructure:"dimensions"`
	Epsilon        float64 `mapstructure:"epsilon"`
	NumNodeWeights int     `mapstructure:"numNodeWeights"`
	// Epsilons optionally gives a per-weight tolerance; empty means
	// Epsilon applies to every weight.
	Epsilons []float64 `mapstructure:"epsilons"`

	InitialPartition InitialPartitionMethod `mapstructure:"initialPartition"`

	// Multilevel and refinement controls.
	MultiLevelRounds     int     `mapstructure:"multiLevelRounds"`
	CoarseningStopSize   int     `mapstructure:"coarseningStopSize"`
	MinBorderNodes       int     `mapstructure:"minBorderNodes"`
	BorderDepth          int     `mapstructure:"borderDepth"`
	StopAfterNoGainRounds int    `mapstructure:"stopAfterNoGainRounds"`
	MinGainForNextRound  float64 `mapstructure:"minGainForNextRound"`
	NoRefinement         bool    `mapstructure:"noRefinement"`

	// FM tie-breaking and scheduling.
	GainOverBalance        bool `mapstructure:"gainOverBalance"`
	UseDiffusionTieBreaking bool `mapstructure:"useDiffusionTieBreaking"`
	UseGeometricTieBreaking bool `mapstructure:"useGeometricTieBreaking"`
	SkipNoGainColors       bool `mapstructure:"skipNoGainColors"`

	// KMeans influence control. InfluenceExponent <= 0 means 1/Dimensions.
	InfluenceExponent       float64 `mapstructure:"influenceExponent"`
	InfluenceChangeCap      float64 `mapstructure:"influenceChangeCap"`
	TightenBounds           bool    `mapstructure:"tightenBounds"`
	ErodeInfluence          bool    `mapstructure:"erodeInfluence"`
	FreezeBalancedInfluence bool    `mapstructure:"freezeBalancedInfluence"`

	// KMeans iteration control. MinSamplingNodes < 0 disables sampling.
	BalanceIterations   int           `mapstructure:"balanceIterations"`
	MaxKMeansIterations int           `mapstructure:"maxKMeansIterations"`
	MinSamplingNodes    int           `mapstructure:"minSamplingNodes"`
	SamplingOrder       SamplingOrder `mapstructure:"samplingOrder"`
	SamplingSeed        int64         `mapstructure:"samplingSeed"`
	KeepMostBalanced    bool          `mapstructure:"keepMostBalanced"`
	Repartition         bool          `mapstructure:"repartition"`

	// Hierarchical and rebalance control.
	HierLevels      []int         `mapstructure:"hierLevels"`
	FocusOnBalance  bool          `mapstructure:"focusOnBalance"`
	KMBalanceMethod BalanceMethod `mapstructure:"kmBalanceMethod"`
	BatchPercent    float64       `mapstructure:"batchPercent"`

	// SFC precision in bits per dimension.
	SFCResolution int `mapstructure:"sfcResolution"`

	LogLevel  string `mapstructure:"logLevel"`
	Verbose   bool   `mapstructure:"verbose"`
	DebugMode bool   `mapstructure:"debugMode"`
}

// Default returns the settings the original driver starts from.
func Default() Settings {
	return Settings{
		NumBlocks:             2,
		Dimensions:            2,
		Epsilon:               0.03,
		NumNodeWeights:        1,
		InitialPartition:      InitialKMeans,
		MultiLevelRounds:      3,
		CoarseningStopSize:    1000,
		MinBorderNodes:        75,
		BorderDepth:           4,
		StopAfterNoGainRounds: 10,
		MinGainForNextRound:   10,
		InfluenceExponent:     0, // resolved to 1/Dimensions at use
		InfluenceChangeCap:    0.1,
		TightenBounds:         false,
		BalanceIterations:     20,
		MaxKMeansIterations:   50,
		MinSamplingNodes:      100,
		SamplingOrder:         SamplingCantor,
		SamplingSeed:          1,
		KMBalanceMethod:       BalanceRepart,
		BatchPercent:          0.01,
		SFCResolution:         17,
		LogLevel:              "info",
	}
}

// Load reads a viper config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return s, WrapError(InvalidConfiguration, err, "cannot read config file %s", path)
	}
	if err := v.Unmarshal(&s); err != nil {
		return s, WrapError(InvalidConfiguration, err, "cannot decode config file %s", path)
	}
	return s, nil
}

// ResolvedInfluenceExponent returns the influence exponent, defaulting to
// 1/d when unset.
func (s Settings) ResolvedInfluenceExponent() float64 {
	if s.InfluenceExponent > 0 {
		return s.InfluenceExponent
	}
	return 1.0 / float64(s.Dimensions)
}

// EpsilonFor returns the balance tolerance for one weight index.
func (s Settings) EpsilonFor(w int) float64 {
	if len(s.Epsilons) > w {
		return s.Epsilons[w]
	}
	return s.Epsilon
}

// Validate checks the settings for internal consistency. It runs on every
// rank before the first collective; the caller all-reduces the verdict so
// that divergent configurations are detected.
func (s Settings) Validate() error {
	if s.NumBlocks < 1 {
		return NewError(InvalidConfiguration, "numBlocks must be at least 1, got %d", s.NumBlocks)
	}
	if s.Dimensions != 2 && s.Dimensions != 3 {
		return NewError(InvalidConfiguration, "dimensions must be 2 or 3, got %d", s.Dimensions)
	}
	if s.Epsilon <= 0 {
		return NewError(InvalidConfiguration, "epsilon must be positive, got %g", s.Epsilon)
	}
	if s.NumNodeWeights < 1 {
		return NewError(InvalidConfiguration, "numNodeWeights must be at least 1, got %d", s.NumNodeWeights)
	}
	if len(s.Epsilons) != 0 && len(s.Epsilons) != s.NumNodeWeights {
		return NewError(InvalidConfiguration, "got %d epsilons for %d node weights", len(s.Epsilons), s.NumNodeWeights)
	}
	if len(s.HierLevels) > 0 {
		product := 1
		for _, l := range s.HierLevels {
			if l < 1 {
				return NewError(InvalidConfiguration, "hierLevels entries must be positive, got %v", s.HierLevels)
			}
			product *= l
		}
		if product != s.NumBlocks {
			return NewError(InvalidConfiguration, "product of hierLevels is %d but numBlocks is %d", product, s.NumBlocks)
		}
	}
	if s.UseDiffusionTieBreaking && s.UseGeometricTieBreaking {
		return NewError(InvalidConfiguration, "diffusion and geometric tie-breaking are mutually exclusive")
	}
	switch s.InitialPartition {
	case InitialSFC, InitialKMeans, InitialHierKMeans, InitialHierRepart:
	case InitialMultisection, InitialSpectral:
		return NewError(InvalidConfiguration, "initial partition method %q is not provided by this build", s.InitialPartition)
	default:
		return NewError(InvalidConfiguration, "unknown initial partition method %q", s.InitialPartition)
	}
	switch s.SamplingOrder {
	case SamplingCantor, SamplingFisherYates:
	default:
		return NewError(InvalidConfiguration, "unknown sampling order %q", s.SamplingOrder)
	}
	switch s.KMBalanceMethod {
	case BalanceRepart, BalanceRebLex, BalanceRebImba2:
	default:
		return NewError(InvalidConfiguration, "unknown balance method %q", s.KMBalanceMethod)
	}
	if s.SFCResolution < 1 || s.SFCResolution > 21 {
		return NewError(InvalidConfiguration, "sfcResolution must be in [1,21], got %d", s.SFCResolution)
	}
	if s.BatchPercent <= 0 || s.BatchPercent > 1 {
		return NewError(InvalidConfiguration, "batchPercent must be in (0,1], got %g", s.BatchPercent)
	}
	return nil
}

// CreateLogger builds the zerolog logger the partitioner threads through
// its components.
func (s Settings) CreateLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if s.Verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Str("service", "geographer").Logger()
}
