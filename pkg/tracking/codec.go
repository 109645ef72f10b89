package tracking

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Columns is the tracking table header, in persisted order.
var Columns = []string{
	"simulation_id",
	"location_id",
	"crop_model",
	"climate_source",
	"climate_model",
	"scenario",
	"sowing_date",
	"soil_id",
	"status",
	"message",
	"setup_time",
	"run_time",
}

// WriteCSV writes jobs as a tracking table with a header row.
func WriteCSV(w io.Writer, jobs []job.Job) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	rec := make([]string, len(Columns))
	for _, j := range jobs {
		rec[0] = j.SimulationID
		rec[1] = j.LocationID
		rec[2] = j.CropModel
		rec[3] = j.ClimateSource
		rec[4] = j.ClimateModel
		rec[5] = j.Scenario
		rec[6] = j.SowingDate
		rec[7] = j.SoilID
		rec[8] = string(j.Status)
		rec[9] = j.Message
		rec[10] = formatSeconds(j.SetupTime)
		rec[11] = formatSeconds(j.RunTime)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a tracking table. Columns are located by header name, so
// extra columns are ignored and order does not matter.
func ReadCSV(r io.Reader) ([]job.Job, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("tracking table is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, col := range Columns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	get := func(rec []string, col string) string {
		i := idx[col]
		if i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var jobs []job.Job
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		code, err := status.Parse(get(rec, "status"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		setup, err := parseSeconds(get(rec, "setup_time"))
		if err != nil {
			return nil, fmt.Errorf("line %d: setup_time: %w", line, err)
		}
		run, err := parseSeconds(get(rec, "run_time"))
		if err != nil {
			return nil, fmt.Errorf("line %d: run_time: %w", line, err)
		}

		jobs = append(jobs, job.Job{
			SimulationID:  get(rec, "simulation_id"),
			LocationID:    get(rec, "location_id"),
			CropModel:     get(rec, "crop_model"),
			ClimateSource: get(rec, "climate_source"),
			ClimateModel:  get(rec, "climate_model"),
			Scenario:      get(rec, "scenario"),
			SowingDate:    get(rec, "sowing_date"),
			SoilID:        get(rec, "soil_id"),
			Status:        code,
			Message:       get(rec, "message"),
			SetupTime:     setup,
			RunTime:       run,
		})
	}
	return jobs, nil
}

// formatSeconds renders a duration as seconds with millisecond precision.
func formatSeconds(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func parseSeconds(s string) (*time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	d := secondsToDuration(f)
	return &d, nil
}

func secondsToDuration(f float64) time.Duration {
	return time.Duration(math.Round(f*1000)) * time.Millisecond
}
