// Command geographer partitions a distributed graph with vertex
// coordinates into k balanced blocks and reports the quality metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/commtree"
	"github.com/kit-parco/geographer/pkg/fileio"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/partition"
	"github.com/kit-parco/geographer/pkg/settings"
)

const exitInvalidConfiguration = 126

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if settings.KindOf(err) == settings.InvalidConfiguration {
			os.Exit(exitInvalidConfiguration)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "geographer",
		Short:         "balanced geometric graph partitioning",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("graph", "", "input graph file (METIS adjacency or MatrixMarket)")
	flags.String("coords", "", "coordinate file")
	flags.Bool("binaryCoords", false, "coordinate file is binary little-endian float64")
	flags.Int("dimensions", 2, "point dimensionality")
	flags.Int("numBlocks", 2, "number of blocks")
	flags.Float64("epsilon", 0.03, "imbalance tolerance")
	flags.String("initialPartition", "kmeans", "initial method: sfc | kmeans | hierkmeans | hierrepart")
	flags.String("weights", "", "per-vertex weights file, one line per vertex")
	flags.Int("numNodeWeights", 1, "number of weights per vertex in the weights file")
	flags.String("blockSizes", "", "per-block target sizes file")
	flags.String("previous", "", "previous partition file (enables repartition)")
	flags.String("commTree", "", "processor tree description (YAML)")
	flags.String("config", "", "settings file")
	flags.Int("ranks", 1, "number of SPMD ranks")
	flags.String("outPartition", "", "write the final partition here")
	flags.String("outMetrics", "", "write the metrics report here (JSON)")
	flags.String("logLevel", "info", "zerolog level")
	flags.IntSlice("hierLevels", nil, "processor hierarchy branching factors")
	flags.Bool("repartition", false, "refine the previous partition instead of starting fresh")
	flags.Bool("noRefinement", false, "skip multilevel FM refinement")
	flags.Bool("keepMostBalanced", true, "return the most balanced solution seen")
	cobra.CheckErr(v.BindPFlags(flags))
	return cmd
}

func buildSettings(v *viper.Viper) (settings.Settings, error) {
	s, err := settings.Load(v.GetString("config"))
	if err != nil {
		return s, err
	}
	s.NumBlocks = v.GetInt("numBlocks")
	s.Dimensions = v.GetInt("dimensions")
	s.Epsilon = v.GetFloat64("epsilon")
	s.InitialPartition = settings.InitialPartitionMethod(strings.ToLower(v.GetString("initialPartition")))
	s.LogLevel = v.GetString("logLevel")
	s.HierLevels = v.GetIntSlice("hierLevels")
	s.Repartition = v.GetBool("repartition")
	s.NoRefinement = v.GetBool("noRefinement")
	s.KeepMostBalanced = v.GetBool("keepMostBalanced")
	return s, s.Validate()
}

func run(v *viper.Viper) error {
	s, err := buildSettings(v)
	if err != nil {
		return err
	}
	log := s.CreateLogger()

	graphPath := v.GetString("graph")
	if graphPath == "" {
		return settings.NewError(settings.InvalidConfiguration, "a graph file is required")
	}
	coordsPath := v.GetString("coords")
	if coordsPath == "" {
		return settings.NewError(settings.InvalidConfiguration, "a coordinate file is required")
	}

	ranks := v.GetInt("ranks")
	group, err := comm.NewGroup(ranks)
	if err != nil {
		return settings.WrapError(settings.InvalidConfiguration, err, "bad rank count %d", ranks)
	}

	var mu sync.Mutex
	var report *metrics.Report

	err = group.Run(context.Background(), func(c *comm.Comm) error {
		in := &partition.Input{}
		var err error
		if strings.HasSuffix(graphPath, ".mtx") {
			in.Graph, err = fileio.ReadMatrixMarket(graphPath, c)
		} else {
			in.Graph, in.Weights, err = fileio.ReadMetisGraph(graphPath, c)
		}
		if err != nil {
			return err
		}
		if err := in.Graph.BuildHalo(c); err != nil {
			return err
		}

		if v.GetBool("binaryCoords") {
			in.Coords, err = fileio.ReadBinaryCoords(coordsPath, in.Graph.Dist, s.Dimensions)
		} else {
			in.Coords, err = fileio.ReadCoords(coordsPath, in.Graph.Dist, s.Dimensions)
		}
		if err != nil {
			return err
		}
		if path := v.GetString("weights"); path != "" {
			if in.Weights, err = fileio.ReadNodeWeights(path, in.Graph.Dist, v.GetInt("numNodeWeights")); err != nil {
				return err
			}
		}
		if in.Weights != nil {
			s.NumNodeWeights = len(in.Weights)
		}

		if path := v.GetString("blockSizes"); path != "" {
			if in.TargetBlockWeights, err = fileio.ReadBlockSizes(path, s.NumNodeWeights, s.NumBlocks); err != nil {
				return err
			}
		}
		if path := v.GetString("previous"); path != "" {
			if in.Previous, err = fileio.ReadPartition(path, in.Graph.Dist); err != nil {
				return err
			}
		}
		if path := v.GetString("commTree"); path != "" {
			if in.Tree, err = commtree.Load(path); err != nil {
				return err
			}
		}

		part, rep, err := partition.Run(c, in, s, log)
		if err != nil {
			return err
		}

		if path := v.GetString("outPartition"); path != "" {
			if err := fileio.WritePartition(path, part, in.Graph.Dist, c); err != nil {
				return err
			}
		}
		if c.IsRoot() {
			mu.Lock()
			report = rep
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("partitioning failed")
		return err
	}

	summary, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(summary))
	if path := v.GetString("outMetrics"); path != "" {
		if err := os.WriteFile(path, summary, 0o644); err != nil {
			return err
		}
	}
	return nil
}
