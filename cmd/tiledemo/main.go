// Command tiledemo drives pkg/pipeline end to end over a CSV file: it
// exposes the layer name, maxzoom/basezoom/droprate, gamma, the
// line/polygon drop toggles, a --prefer-radix-sort forced-recursion
// switch, and a -justx/-justy/-justzoom tile pin as cobra/pflag flags,
// and writes the sorted result's drop thresholds into an mbtiles
// database's metadata table as a worked demonstration, with a
// progressbar/v3 spinner around the run.
package main

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rubythonode/tippecanoe/internal/demo"
	"github.com/rubythonode/tippecanoe/pkg/ingest"
	"github.com/rubythonode/tippecanoe/pkg/pipeline"
)

type options struct {
	input       string
	output      string
	layer       string
	lanes       int
	maxZoom     int
	baseZoom    int
	dropRate    float64
	gamma       float64
	lineDrop    bool
	polygonDrop bool
	preferRadix bool
	justX       int
	justY       int
	justZoom    int
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tiledemo",
		Short: "Sort a CSV of points into a Morton-ordered, minzoom-stamped index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.input, "input", "i", "", "input CSV file (required)")
	flags.StringVarP(&opts.output, "output", "o", "", "output mbtiles file (required)")
	flags.StringVarP(&opts.layer, "layer", "l", "demo", "layer name recorded in mbtiles metadata")
	flags.IntVar(&opts.lanes, "lanes", 0, "ingestion worker count (0 = every core)")
	flags.IntVarP(&opts.maxZoom, "maximum-zoom", "z", -1, "maxzoom, or -1 to guess")
	flags.IntVarP(&opts.baseZoom, "base-zoom", "B", -1, "basezoom, or -1 to guess")
	flags.Float64VarP(&opts.dropRate, "drop-rate", "r", -1, "drop rate between zooms, or -1 to guess")
	flags.Float64VarP(&opts.gamma, "gamma", "g", -1, "rate of dropout for dense point clusters; -1 disables dropping")
	flags.BoolVar(&opts.lineDrop, "drop-lines", false, "let lines be dropped by the gamma threshold")
	flags.BoolVar(&opts.polygonDrop, "drop-polygons", false, "let polygons be dropped by the gamma threshold")
	flags.BoolVar(&opts.preferRadix, "prefer-radix-sort", false, "force deep radix-sort recursion regardless of detected RAM")
	flags.IntVar(&opts.justX, "justx", -1, "pin tile assembly to this tile column (requires justy/justzoom)")
	flags.IntVar(&opts.justY, "justy", -1, "pin tile assembly to this tile row (requires justx/justzoom)")
	flags.IntVar(&opts.justZoom, "justzoom", -1, "zoom level of the pinned tile")
	_ = root.MarkFlagRequired("input")
	_ = root.MarkFlagRequired("output")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("tiledemo: run failed")
	}
}

func run(opts *options) error {
	headers, sample, err := sniffCSV(opts.input)
	if err != nil {
		return err
	}

	var pin *pipeline.TileCoord
	if opts.justX >= 0 && opts.justY >= 0 && opts.justZoom >= 0 {
		pin = &pipeline.TileCoord{Zoom: opts.justZoom, X: opts.justX, Y: opts.justY}
	}

	bar := progressbar.New(-1)
	defer bar.Close()

	result, err := pipeline.Run(pipeline.Source{Path: opts.input}, demo.NewCSVParser(headers, sample), pipeline.Options{
		Lanes:               opts.lanes,
		Separator:           ingest.Newline,
		ForceRadixRecursion: opts.preferRadix,
		MaxZoom:             opts.maxZoom,
		BaseZoom:            opts.baseZoom,
		DropRate:            opts.dropRate,
		Gamma:               opts.gamma,
		LineDrop:            opts.lineDrop,
		PolygonDrop:         opts.polygonDrop,
		PinFirstTile:        pin,
	})
	if err != nil {
		return err
	}
	_ = bar.Add(1)

	sink, err := demo.OpenTileSink(opts.output)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.WriteMetadata("name", opts.layer); err != nil {
		return err
	}
	if err := sink.WriteMetadata("minzoom", fmt.Sprintf("%d", result.BaseZoom)); err != nil {
		return err
	}
	if err := sink.WriteMetadata("maxzoom", fmt.Sprintf("%d", result.MaxZoom)); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"geom_path":  result.GeomPath,
		"index_path": result.IndexPath,
		"maxzoom":    result.MaxZoom,
		"basezoom":   result.BaseZoom,
		"drop_rate":  result.DropRate,
	}).Info("tiledemo: pipeline finished")

	return nil
}

// sniffCSV reads the header row and up to seven sample rows so
// demo.NewCSVParser can sniff the longitude/latitude columns before
// any worker starts.
func sniffCSV(path string) (headers []string, sample [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	headers, err = r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("tiledemo: reading CSV header: %w", err)
	}
	for i := 0; i < 7; i++ {
		row, rerr := r.Read()
		if rerr != nil {
			break
		}
		sample = append(sample, row)
	}
	return headers, sample, nil
}
