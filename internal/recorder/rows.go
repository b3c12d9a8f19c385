package recorder

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/banshee-data/lightlog/internal/frame"
)

// Header is the first line of every chunk and of the combined file.
const Header = "timestamp,sensor_id,mode,value,TempC,Vin"

var headerFields = []string{"timestamp", "sensor_id", "mode", "value", "TempC", "Vin"}

// encodeRows renders readings as CSV records without a header.
func encodeRows(readings []frame.Reading) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range readings {
		if err := w.Write(rowFields(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func rowFields(r frame.Reading) []string {
	return []string{
		r.WallTime.UTC().Format(time.RFC3339Nano),
		r.SensorID,
		string(r.Mode),
		strconv.FormatFloat(r.Value, 'f', -1, 64),
		optionalFloat(r.TempC),
		optionalFloat(r.Vin),
	}
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// splitChunk validates a chunk's header and returns its data rows and their
// count. Counting goes through the CSV reader so quoted fields are honoured.
func splitChunk(data []byte) (body []byte, rows int, err error) {
	header, rest, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(bytes.TrimRight(header, "\r")) != Header {
		return nil, 0, fmt.Errorf("missing or unexpected header")
	}
	r := csv.NewReader(bytes.NewReader(rest))
	r.FieldsPerRecord = len(headerFields)
	for {
		_, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
		rows++
	}
	return rest, rows, nil
}
