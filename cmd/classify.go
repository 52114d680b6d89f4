package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/landcover"
)

var (
	classifyAOIPath string
	classifyZoom    int
	classifyJSON    bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run the advisory land-cover check for an AOI",
	Long:  "Scans the basemap tiles under the AOI and reports whether every pixel inside the polygon reads as vegetation. The verdict is advisory and never blocks an analysis.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("classify"); err != nil {
			return err
		}

		shapes, err := readShapes(classifyAOIPath)
		if err != nil {
			return err
		}
		area, err := aoi.New(shapes[0].ID, shapes[0].Polygon)
		if err != nil {
			return err
		}
		if err := aoi.CheckArea(area.AreaKm2(), cfg.AOI.MaxAreaKm2); err != nil {
			return err
		}

		zoom := classifyZoom
		if zoom <= 0 {
			zoom = cfg.Landcover.Zoom
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		classifier := sess.Classifier
		if classifier == nil {
			classifier = landcover.NewClassifier(sess.Tiles, landcover.WithRecorder(sess.Metrics))
		}

		res, err := classifier.Classify(ctx, area, zoom)
		if err != nil {
			return eris.Wrap(err, "classify")
		}
		zap.L().Info("land-cover check complete",
			zap.String("feature_id", string(area.FeatureID())),
			zap.String("verdict", res.Verdict()),
			zap.Int("tiles", res.Tiles),
			zap.Int("pixels_tested", res.PixelsTested),
		)

		out := cmd.OutOrStdout()
		if classifyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		fmt.Fprintf(out, "AOI:        %s (%.3f km²)\n", area.FeatureID(), area.AreaKm2())
		fmt.Fprintf(out, "Zoom:       %d\n", res.Zoom)
		fmt.Fprintf(out, "Tiles:      %d scanned, %d skipped of %d\n", res.TilesScanned, res.TilesSkipped, res.Tiles)
		fmt.Fprintf(out, "Pixels:     %d tested\n", res.PixelsTested)
		fmt.Fprintf(out, "Verdict:    %s\n", res.Verdict())
		if f := res.FirstFailure; f != nil {
			fmt.Fprintf(out, "First non-vegetation pixel: tile %d/%d pixel %d,%d at %.6f,%.6f rgb(%d,%d,%d)\n",
				f.TileX, f.TileY, f.PixelX, f.PixelY, f.Lon, f.Lat, f.Color.R, f.Color.G, f.Color.B)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyAOIPath, "aoi", "", "GeoJSON file with the AOI polygon (required)")
	classifyCmd.Flags().IntVar(&classifyZoom, "zoom", 0, "tile zoom level (default from config)")
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print the result as JSON")
	_ = classifyCmd.MarkFlagRequired("aoi")
	rootCmd.AddCommand(classifyCmd)
}
