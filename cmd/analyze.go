package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/analysis"
	"github.com/sells-group/agroscope-cli/internal/progress"
)

var (
	analyzeAOIPath   string
	analyzeStart     string
	analyzeEnd       string
	analyzeOut       string
	analyzeSkipCheck bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Submit an AOI and date range for crop analysis",
	Long:  "Validates the AOI, runs the advisory land-cover check, submits the analysis with live progress on stderr, prints the coverage summary and optionally writes the Sentinel exports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if analyzeSkipCheck {
			cfg.Landcover.Enabled = false
		}
		if err := cfg.Validate("analyze"); err != nil {
			return err
		}

		dates, err := analysis.ParseDateInput(analyzeStart, analyzeEnd)
		if err != nil {
			return err
		}
		shapes, err := readShapes(analyzeAOIPath)
		if err != nil {
			return err
		}

		bar := &progressLine{w: cmd.ErrOrStderr()}
		sess, err := newSession(cfg, bar.render)
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.Editor.OnShapeCreated(shapes[0]); err != nil {
			return err
		}
		current := sess.Editor.Current()

		// The editor change started the advisory scan; wait for its verdict.
		sess.Advisor.Wait()
		advice := sess.Advisor.Advice()
		zap.L().Info("land-cover advice",
			zap.String("state", string(advice.State)),
			zap.Bool("flag", advice.Flag()),
		)

		done, err := sess.Pipeline.Submit(ctx, analysis.Submission{
			AOI:   current,
			Dates: dates,
			Flag:  advice.Flag(),
		})
		if err != nil {
			return err
		}

		select {
		case <-done:
		case <-ctx.Done():
			bar.finish()
			sess.Pipeline.Reset()
			return ctx.Err()
		}
		bar.finish()

		st := sess.Pipeline.Status()
		if st.Warning != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", st.Warning)
		}
		if st.State != analysis.StateCompleted || st.Result == nil {
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return eris.Errorf("analyze: run ended in state %s", st.State)
		}

		printSummary(cmd.OutOrStdout(), st.Result, advice.Flag())

		if analyzeOut != "" {
			written, err := st.Result.WriteExports(analyzeOut)
			for _, p := range written {
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", p)
			}
			if err != nil {
				zap.L().Warn("export incomplete", zap.Error(err))
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
		}
		return nil
	},
}

func printSummary(w io.Writer, res *analysis.Result, flag bool) {
	var positive int
	for _, f := range res.Overlay {
		if f.Prediction == 1 {
			positive++
		}
	}
	fmt.Fprintf(w, "Area:            %.2f km²\n", res.AreaKm2)
	fmt.Fprintf(w, "Dates:           %s\n", res.DateLabel)
	fmt.Fprintf(w, "Land-cover flag: %t\n", flag)
	fmt.Fprintf(w, "Ragi:            %.2f%%\n", res.Coverage.Ragi)
	fmt.Fprintf(w, "Non-ragi:        %.2f%%\n", res.Coverage.NonRagi)
	fmt.Fprintf(w, "Overlay points:  %d (%d ragi, %d other)\n", len(res.Overlay), positive, len(res.Overlay)-positive)
}

// progressLine renders animator frames as a single rewritten terminal line.
// The idle "ready" frame is never drawn, and nothing is drawn after finish.
type progressLine struct {
	mu   sync.Mutex
	w    io.Writer
	last string
	done bool
}

func (p *progressLine) render(f progress.Frame) {
	if f.Label == analysis.LabelReady {
		return
	}
	line := fmt.Sprintf("%3d%% %s", f.Percent, f.Label)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.w, "\r\033[K%s", line)
}

func (p *progressLine) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	if p.last != "" {
		fmt.Fprintln(p.w)
	}
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeAOIPath, "aoi", "", "GeoJSON file with the AOI polygon (required)")
	analyzeCmd.Flags().StringVar(&analyzeStart, "start", "", "start month, YYYY-MM (required)")
	analyzeCmd.Flags().StringVar(&analyzeEnd, "end", "", "end month, YYYY-MM (required)")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "directory for sentinel_1_data.json, sentinel_2_data.json and prediction_map.geojson")
	analyzeCmd.Flags().BoolVar(&analyzeSkipCheck, "skip-check", false, "skip the advisory land-cover check")
	_ = analyzeCmd.MarkFlagRequired("aoi")
	rootCmd.AddCommand(analyzeCmd)
}
