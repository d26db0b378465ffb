package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pv/cgmrig/internal/cgm"
	"github.com/pv/cgmrig/internal/quality"
)

// ExportCSV writes readings to CSV format
func ExportCSV(w io.Writer, readings []cgm.Reading) error {
	writer := csv.NewWriter(w)

	header := []string{
		"timestamp", "glucose", "unfiltered", "filtered",
		"trend", "direction", "noise", "noise_class", "device_calibrated",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range readings {
		glucose, direction := "", ""
		if r.Glucose != nil {
			glucose = strconv.Itoa(*r.Glucose)
			direction = quality.Direction(r.Trend)
		}
		row := []string{
			r.ReadTime.UTC().Format(time.RFC3339),
			glucose,
			strconv.FormatFloat(r.Unfiltered, 'f', -1, 64),
			strconv.FormatFloat(r.Filtered, 'f', -1, 64),
			strconv.FormatFloat(r.Trend, 'f', 2, 64),
			direction,
			strconv.FormatFloat(r.Noise, 'f', 3, 64),
			r.NoiseClass.String(),
			strconv.FormatBool(r.DeviceCalibrated),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
