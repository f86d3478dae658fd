package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/params"
)

// remoteID accepts ids encoded as JSON strings or numbers.
type remoteID string

func (id *remoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = remoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = remoteID(n.String())
	return nil
}

// flag is an optional boolean; remote services send 0/1 as often as bools.
type flag struct {
	set   bool
	value bool
}

func (f *flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null":
		*f = flag{}
		return nil
	case "true":
		*f = flag{set: true, value: true}
		return nil
	case "false":
		*f = flag{set: true, value: false}
		return nil
	}
	n, err := strconv.ParseFloat(strings.Trim(string(data), `"`), 64)
	if err != nil {
		return fmt.Errorf("decode flag %s: %w", data, err)
	}
	*f = flag{set: true, value: n != 0}
	return nil
}

// orTrue reads the flag with a missing value counting as true.
func (f flag) orTrue() bool {
	return !f.set || f.value
}

type configurationResponse struct {
	ID               remoteID        `json:"id"`
	URL              string          `json:"url"`
	ParametersResult json.RawMessage `json:"parametersresult"`
	InError          flag            `json:"inerror"`
	Used             int             `json:"used"`
}

type configurationList struct {
	Results []configurationResponse `json:"results"`
}

type processResponse struct {
	ID               remoteID        `json:"id"`
	Processed        flag            `json:"processed"`
	InError          flag            `json:"inerror"`
	ParametersResult json.RawMessage `json:"parametersresult"`
	DatafileResult   string          `json:"datafileresult"`
}

// decodeResult decodes a result envelope given either as a JSON object or as
// a JSON string holding one.
func decodeResult(raw json.RawMessage) (params.Tree, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return params.Tree{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode result string: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return params.Tree{}, nil
		}
		raw = json.RawMessage(inner)
	}
	return params.Parse(raw)
}

// checkStatus returns a RuntimeError unless the envelope reports status 0.
func checkStatus(result params.Tree, stage faults.Stage, prefix string) error {
	raw, ok := result.Lookup(params.KeyApp, "status")
	if !ok {
		return &faults.RuntimeError{Stage: stage, Msg: prefix + "no result returned"}
	}
	status, ok := asInt(raw)
	if !ok {
		return &faults.RuntimeError{Stage: stage, Msg: fmt.Sprintf("%sunexpected status %v", prefix, raw)}
	}
	if status != 0 {
		msg, _ := result.Lookup(params.KeyApp, "msg")
		return &faults.RuntimeError{
			Stage:  stage,
			Status: strconv.Itoa(status),
			Msg:    fmt.Sprintf("%s%v", prefix, msg),
		}
	}
	return nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
