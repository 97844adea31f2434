// Package schedule computes NWP model cycle timing and expected file paths.
//
// Each model publishes on a fixed cadence (HRRR/RAP hourly, GFS/ECMWF every
// six hours) with a characteristic delay between cycle start and the first
// file appearing in the public bucket. The Manager turns that calendar into
// DetectionWindows and emits detection-window-open / fallback-window-open
// events from a single timer loop.
//
// Path rendering and parsing are pure and inverse of each other:
// Parse(Render(cycle, fh)) round-trips for every model.
package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

// modelSpec is the static per-model publication calendar.
type modelSpec struct {
	cadenceHours int
	detectionFH  int // forecast hour of the file used for detection
	bucket       string
}

var specs = map[types.ModelKind]modelSpec{
	types.ModelHRRR:  {cadenceHours: 1, detectionFH: 0, bucket: "noaa-hrrr-pds"},
	types.ModelRAP:   {cadenceHours: 1, detectionFH: 0, bucket: "noaa-rap-pds"},
	types.ModelGFS:   {cadenceHours: 6, detectionFH: 3, bucket: "noaa-gfs-pds"},
	types.ModelECMWF: {cadenceHours: 6, detectionFH: 3, bucket: "noaa-ecmwf-pds"},
}

var (
	hrrrRe  = regexp.MustCompile(`^hrrr\.(\d{8})/conus/hrrr\.t(\d{2})z\.wrfsfcf(\d{2})\.grib2$`)
	rapRe   = regexp.MustCompile(`^rap\.(\d{8})/rap\.t(\d{2})z\.awp130f(\d{2})\.grib2$`)
	gfsRe   = regexp.MustCompile(`^gfs\.(\d{8})/(\d{2})/atmos/gfs\.t(\d{2})z\.pgrb2\.0p25\.f(\d{3})$`)
	ecmwfRe = regexp.MustCompile(`^ecmwf\.(\d{8})/(\d{2})/ecmwf\.t(\d{2})z\.0p25\.f(\d{3})$`)
)

// Bucket returns the public S3 bucket for a model.
func Bucket(model types.ModelKind) string { return specs[model].bucket }

// CadenceHours returns the model's cycle cadence.
func CadenceHours(model types.ModelKind) int { return specs[model].cadenceHours }

// DetectionForecastHour returns the forecast hour of the detection file.
func DetectionForecastHour(model types.ModelKind) int { return specs[model].detectionFH }

// Render substitutes the cycle and forecast hour into the model's path
// template. FF is 2-digit for HRRR/RAP, FFF is 3-digit for GFS/ECMWF.
func Render(cycle types.CycleKey, forecastHour int) string {
	ymd := cycle.Date.Format("20060102")
	switch cycle.Model {
	case types.ModelHRRR:
		return fmt.Sprintf("hrrr.%s/conus/hrrr.t%02dz.wrfsfcf%02d.grib2", ymd, cycle.Hour, forecastHour)
	case types.ModelRAP:
		return fmt.Sprintf("rap.%s/rap.t%02dz.awp130f%02d.grib2", ymd, cycle.Hour, forecastHour)
	case types.ModelGFS:
		return fmt.Sprintf("gfs.%s/%02d/atmos/gfs.t%02dz.pgrb2.0p25.f%03d", ymd, cycle.Hour, cycle.Hour, forecastHour)
	case types.ModelECMWF:
		return fmt.Sprintf("ecmwf.%s/%02d/ecmwf.t%02dz.0p25.f%03d", ymd, cycle.Hour, cycle.Hour, forecastHour)
	}
	return ""
}

// Parse recovers (cycle, forecastHour) from an object key. Inverse of Render.
func Parse(model types.ModelKind, key string) (types.CycleKey, int, error) {
	var (
		re      *regexp.Regexp
		hourIdx = 2
		fhIdx   = 3
	)
	switch model {
	case types.ModelHRRR:
		re = hrrrRe
	case types.ModelRAP:
		re = rapRe
	case types.ModelGFS:
		re, hourIdx, fhIdx = gfsRe, 3, 4
	case types.ModelECMWF:
		re, hourIdx, fhIdx = ecmwfRe, 3, 4
	default:
		return types.CycleKey{}, 0, fmt.Errorf("parse: unknown model %q", model)
	}

	m := re.FindStringSubmatch(key)
	if m == nil {
		return types.CycleKey{}, 0, fmt.Errorf("parse: key %q does not match %s template", key, model)
	}

	date, err := time.Parse("20060102", m[1])
	if err != nil {
		return types.CycleKey{}, 0, fmt.Errorf("parse: bad date in %q: %w", key, err)
	}
	hour, _ := strconv.Atoi(m[hourIdx])
	fh, _ := strconv.Atoi(m[fhIdx])

	return types.CycleKey{Model: model, Date: date.UTC(), Hour: hour}, fh, nil
}

// Manager derives detection windows from config and drives the timer loop.
type Manager struct {
	detection config.DetectionConfig
	fallback  config.FallbackConfig
}

// NewManager builds a schedule manager.
func NewManager(detection config.DetectionConfig, fallback config.FallbackConfig) *Manager {
	return &Manager{detection: detection, fallback: fallback}
}

// ExpectedFile names the detection file for a cycle.
func (m *Manager) ExpectedFile(cycle types.CycleKey) types.ExpectedFile {
	fh := specs[cycle.Model].detectionFH
	return types.ExpectedFile{
		Cycle:        cycle,
		ForecastHour: fh,
		Bucket:       specs[cycle.Model].bucket,
		Key:          Render(cycle, fh),
	}
}

// DetectionWindow computes poll and fallback bounds for a cycle.
// Polling starts earlyStartBuffer ahead of the typical first-file delay so
// the detector is already in its tight loop when the file lands; the API
// fallback starts at the typical delay itself.
func (m *Manager) DetectionWindow(cycle types.CycleKey) types.DetectionWindow {
	start := cycle.Start()
	delay := time.Duration(m.detection.FirstFileDelayMin[cycle.Model]) * time.Minute
	early := time.Duration(m.detection.EarlyStartMinutes[cycle.Model]) * time.Minute

	fallbackStart := start.Add(delay)
	return types.DetectionWindow{
		Cycle:         cycle,
		EarliestPoll:  start.Add(delay - early),
		LatestPoll:    start.Add(time.Duration(m.detection.MaxDetectionMinutes)*time.Minute + delay - early),
		FallbackStart: fallbackStart,
		FallbackEnd:   fallbackStart.Add(time.Duration(m.fallback.MaxMinutes) * time.Minute),
	}
}

// UpcomingRuns returns the next n cycles across all models ordered by
// cycle start, ties broken by model detection priority.
func (m *Manager) UpcomingRuns(n int, after time.Time) []types.CycleKey {
	var out []types.CycleKey
	for _, model := range types.AllModels {
		cycle := nextCycle(model, after)
		for i := 0; i < n; i++ {
			out = append(out, cycle)
			cycle = advance(cycle)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Start(), out[j].Start()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return modelPriority(out[i].Model) < modelPriority(out[j].Model)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// nextCycle returns the first cycle of model starting strictly after t.
func nextCycle(model types.ModelKind, t time.Time) types.CycleKey {
	cadence := specs[model].cadenceHours
	u := t.UTC()
	hour := ((u.Hour() / cadence) + 1) * cadence
	date := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if hour >= 24 {
		hour -= 24
		date = date.AddDate(0, 0, 1)
	}
	return types.CycleKey{Model: model, Date: date, Hour: hour}
}

func advance(c types.CycleKey) types.CycleKey {
	c.Hour += specs[c.Model].cadenceHours
	if c.Hour >= 24 {
		c.Hour -= 24
		c.Date = c.Date.AddDate(0, 0, 1)
	}
	return c
}

func modelPriority(m types.ModelKind) int {
	for i, k := range types.AllModels {
		if k == m {
			return i
		}
	}
	return len(types.AllModels)
}
