package session

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

// minJobBody is the fixed header of an encoded job: GUID, reserved, name length.
const minJobBody = 36

var errShortBody = errors.New("job body truncated")

// decodeJob converts a current-job node value into a JobInfo. A nil value or
// a body shorter than the fixed header means no job is loaded.
func decodeJob(v any) (*model.JobInfo, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *model.JobInfo:
		if val == nil {
			return nil, nil
		}
		job := *val
		return &job, nil
	case model.JobInfo:
		return &val, nil
	case []byte:
		return decodeJobBody(val)
	default:
		return nil, fmt.Errorf("unsupported job value %T", v)
	}
}

// decodeJobBody parses the binary job layout:
//
//	[0:16]   GUID, little-endian mixed form
//	[16:32]  reserved
//	[32:36]  uint32 name length, then the UTF-8 name
//	         uint32 file path length, then the UTF-8 path
func decodeJobBody(body []byte) (*model.JobInfo, error) {
	if len(body) < minJobBody {
		return nil, nil
	}

	id := guidFromBytes(body[:16])

	off := 32
	name, off, err := readString(body, off)
	if err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	path, _, err := readString(body, off)
	if err != nil {
		return nil, fmt.Errorf("file path: %w", err)
	}

	return &model.JobInfo{GUID: id, Name: name, FilePath: path}, nil
}

func readString(body []byte, off int) (string, int, error) {
	if off+4 > len(body) {
		return "", off, errShortBody
	}
	n := int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if n < 0 || n > len(body)-off {
		return "", off, errShortBody
	}
	s := body[off : off+n]
	if !utf8.Valid(s) {
		return "", off, errors.New("invalid utf-8")
	}
	return string(s), off + n, nil
}

// guidFromBytes reads a GUID whose first three groups are little-endian.
func guidFromBytes(b []byte) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(id[8:], b[8:16])
	return id
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("integer out of range: %d", n)
		}
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// wireRun is the JSON shape of one run history entry.
type wireRun struct {
	RunGUID        string  `json:"RunGuid"`
	JobGUID        string  `json:"JobGuid"`
	ActualCutTime  float64 `json:"ActualCutTime"`
	ActualStopTime float64 `json:"ActualStopTime"`
	ActualWaitTime float64 `json:"ActualWaitTime"`
	CutStartTime   string  `json:"CutStartTime"`
	CutEndTime     string  `json:"CutEndTime"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// decodeRunHistory converts a GetRunHistory result into records. The method
// returns a list of output arguments whose second element is the JSON
// payload; shorter results mean no records.
func decodeRunHistory(v any) ([]model.RunRecord, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []model.RunRecord:
		return val, nil
	case []any:
		if len(val) < 2 {
			return nil, nil
		}
		return decodeRunHistory(val[1])
	case string:
		return decodeRunJSON([]byte(val))
	case []byte:
		return decodeRunJSON(val)
	default:
		return nil, fmt.Errorf("unsupported run history value %T", v)
	}
}

func decodeRunJSON(data []byte) ([]model.RunRecord, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var wire []wireRun
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}

	records := make([]model.RunRecord, 0, len(wire))
	for i, w := range wire {
		rec := model.RunRecord{
			ActualCutTime:  w.ActualCutTime,
			ActualStopTime: w.ActualStopTime,
			ActualWaitTime: w.ActualWaitTime,
		}
		var err error
		if rec.RunGUID, err = parseGUID(w.RunGUID); err != nil {
			return nil, fmt.Errorf("run history[%d]: RunGuid: %w", i, err)
		}
		if rec.JobGUID, err = parseGUID(w.JobGUID); err != nil {
			return nil, fmt.Errorf("run history[%d]: JobGuid: %w", i, err)
		}
		if rec.CutStartTime, err = parseTime(w.CutStartTime); err != nil {
			return nil, fmt.Errorf("run history[%d]: CutStartTime: %w", i, err)
		}
		if rec.CutEndTime, err = parseTime(w.CutEndTime); err != nil {
			return nil, fmt.Errorf("run history[%d]: CutEndTime: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseGUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}

// decodeObject decodes a JSON object result. When first is set the payload
// is a JSON array and its first element is returned; an empty array yields nil.
func decodeObject(v any, first bool) (map[string]any, error) {
	var data []byte
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return val, nil
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		return nil, fmt.Errorf("unsupported result %T", v)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if !first {
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// decodeImage accepts a ByteString result, alone or as the first output
// argument.
func decodeImage(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		if len(val) == 0 {
			return nil, errors.New("empty image")
		}
		return val, nil
	case []any:
		if len(val) == 0 {
			return nil, errors.New("empty result")
		}
		return decodeImage(val[0])
	case nil:
		return nil, errors.New("no image returned")
	default:
		return nil, fmt.Errorf("unsupported image value %T", v)
	}
}
