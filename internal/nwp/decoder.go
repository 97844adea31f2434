// decoder.go wraps the external GRIB2 decoder binary.
//
// The engine never decodes GRIB bit-level data itself. It hands the decoder
// a downloaded file plus the target city coordinates on stdin, and reads
// back one plain-text line per city. The decoder is trusted to do the grid
// lookup; this side owns the invocation contract, the time budget, and the
// unit conversions (Kelvin → °F, u/v components → speed and bearing).
package nwp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"weatheredge/internal/config"
	"weatheredge/pkg/types"
)

// fieldFilter selects the four GRIB fields the engine trades on.
const fieldFilter = "TMP:2 m above ground|UGRD:10 m above ground|VGRD:10 m above ground|APCP:surface"

// Decoder invokes the external decoder process.
type Decoder struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDecoder builds a decoder from config.
func NewDecoder(cfg config.DecoderConfig, logger *slog.Logger) *Decoder {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Decoder{
		binary:  cfg.Binary,
		timeout: timeout,
		logger:  logger.With("component", "decoder"),
	}
}

// Decode extracts the filtered fields for each city from a GRIB file.
// Input to the decoder is one "id lat lon" line per city on stdin; output
// is one "id tempK u v apcpMm" line per resolvable city. Cities the
// decoder cannot resolve are simply absent from the output.
func (d *Decoder) Decode(ctx context.Context, path string, cities []types.City) ([]types.CityObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var stdin bytes.Buffer
	for _, c := range cities {
		fmt.Fprintf(&stdin, "%s %f %f\n", c.ID, c.Lat, c.Lon)
	}

	cmd := exec.CommandContext(ctx, d.binary, "-match", fieldFilter, path)
	cmd.Stdin = &stdin

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("decode %s: timeout after %s", path, d.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return parseDecoderOutput(out)
}

// parseDecoderOutput converts the decoder's plain-text lines into
// boundary-unit observations.
func parseDecoderOutput(out []byte) ([]types.CityObservation, error) {
	var obs []types.CityObservation

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed decoder line %q", line)
		}

		vals := make([]float64, 4)
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed decoder value %q in line %q", f, line)
			}
			vals[i] = v
		}

		obs = append(obs, types.CityObservation{
			CityID:       fields[0],
			TempF:        KelvinToFahrenheit(vals[0]),
			WindSpeedKmh: WindSpeedKmh(vals[1], vals[2]),
			WindDirDeg:   WindDirectionDeg(vals[1], vals[2]),
			PrecipMm:     vals[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read decoder output: %w", err)
	}
	return obs, nil
}

// KelvinToFahrenheit converts a GRIB temperature to display units.
func KelvinToFahrenheit(k float64) float64 {
	return (k-273.15)*9/5 + 32
}

// WindSpeedKmh combines u/v components (m/s) into a km/h speed.
func WindSpeedKmh(u, v float64) float64 {
	return math.Sqrt(u*u+v*v) * 3.6
}

// WindDirectionDeg returns atan2(v, u) in degrees normalized to [0, 360).
func WindDirectionDeg(u, v float64) float64 {
	deg := math.Atan2(v, u) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}
