package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/agroscope-cli/internal/aoi"
)

var areaAOIPath string

var areaCmd = &cobra.Command{
	Use:   "area",
	Short: "Measure the geodesic area of AOI shapes",
	Long:  "Reads a GeoJSON file and prints the geodesic area of every polygon, the district it falls in when a district layer is configured, and whether it fits under the area ceiling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("area"); err != nil {
			return err
		}

		shapes, err := readShapes(areaAOIPath)
		if err != nil {
			return err
		}

		sess, err := newSession(cfg)
		if err != nil {
			return err
		}
		defer sess.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAREA_KM2\tDISTRICT\tSTATUS")
		var over int
		for _, s := range shapes {
			a, err := aoi.New(s.ID, s.Polygon)
			if err != nil {
				return err
			}
			status := "ok"
			if err := aoi.CheckArea(a.AreaKm2(), cfg.AOI.MaxAreaKm2); err != nil {
				status = fmt.Sprintf("exceeds %g km²", cfg.AOI.MaxAreaKm2)
				over++
			}
			fmt.Fprintf(w, "%s\t%.3f\t%s\t%s\n", a.FeatureID(), a.AreaKm2(), districtOf(sess, a), status)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if over > 0 {
			return fmt.Errorf("%d of %d shapes exceed the maximum limit of %g km²", over, len(shapes), cfg.AOI.MaxAreaKm2)
		}
		return nil
	},
}

// districtOf names the district containing the AOI's first vertex, or "-".
func districtOf(sess *session, a *aoi.AOI) string {
	if sess.Districts == nil {
		return "-"
	}
	coords := a.Polygon().Coords()
	if len(coords) == 0 || len(coords[0]) == 0 {
		return "-"
	}
	d, ok := sess.Districts.At(coords[0][0].X(), coords[0][0].Y())
	if !ok {
		return "-"
	}
	return d.Name
}

func init() {
	areaCmd.Flags().StringVar(&areaAOIPath, "aoi", "", "GeoJSON file with the AOI polygon(s) (required)")
	_ = areaCmd.MarkFlagRequired("aoi")
	rootCmd.AddCommand(areaCmd)
}
