package app

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-attestor/internal/storage"
)

// Export renders stored attestations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListAttestationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no attestations found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting attestations")

	if opts.CSVPath != "" {
		if err := writeAttestationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeAttestationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.AttestationRecord, max int) []storage.AttestationRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.AttestationRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeAttestationsCSV(path string, records []storage.AttestationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "round_id", "index", "source", "price", "scaled_price", "status", "digest", "signature"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.ObservedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.RoundID, 10),
			strconv.Itoa(rec.Index),
			rec.Source,
			rec.Price.String(),
			rec.ScaledPrice.String(),
			rec.Status,
			"0x" + hex.EncodeToString(rec.Digest),
			"0x" + hex.EncodeToString(rec.Signature),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAttestationsPNG plots one price series per feed source.
func writeAttestationsPNG(path string, records []storage.AttestationRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bySource := make(map[string]*chart.TimeSeries)
	for _, rec := range records {
		series, ok := bySource[rec.Source]
		if !ok {
			series = &chart.TimeSeries{Name: rec.Source}
			bySource[rec.Source] = series
		}
		series.XValues = append(series.XValues, rec.ObservedAt)
		series.YValues = append(series.YValues, rec.Price.InexactFloat64())
	}

	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	series := make([]chart.Series, 0, len(sources))
	for _, source := range sources {
		s := bySource[source]
		if len(s.XValues) < 2 {
			// go-chart needs at least two points to draw a line
			s.XValues = append(s.XValues, s.XValues[0].Add(time.Second))
			s.YValues = append(s.YValues, s.YValues[0])
		}
		series = append(series, *s)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Attested price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
