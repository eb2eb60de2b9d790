package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dj-oyu/padetect-agent/internal/logger"
)

// Section names understood by the agent.
const (
	SectionDetect      = "detectSettings"
	SectionAlertWindow = "alertWindowSettings"
	SectionInference   = "inferenceSettings"
	SectionImage       = "imageProcessSettings"
	SectionLog         = "logSettings"
	SectionUpload      = "uploadSettings"
	SectionTest        = "testSettings"
	SectionServer      = "serverSettings"
)

// Document is a parsed settings file: section name -> settings.
type Document map[string]*Meta

// Parse decodes a settings file. Top-level keys whose values are objects become
// sections; anything else at the top level is ignored.
func Parse(data []byte) (Document, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	doc := make(Document, len(root))
	for name, raw := range root {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			logger.Debug("Settings", "Skipping non-object top-level key %q", name)
			continue
		}
		meta, err := parseSection(trimmed)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", name, err)
		}
		doc[name] = meta
	}
	return doc, nil
}

func parseSection(raw []byte) (*Meta, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}

	meta := NewMeta()
	for key, field := range fields {
		switch v := field.(type) {
		case nil:
			// Null entries are treated as absent.
		case bool:
			meta.Set(key, Bool(v))
		case string:
			meta.Set(key, String(v))
		case json.Number:
			meta.Set(key, numberValue(v))
		default:
			logger.Warn("Settings", "Unsupported value type %T for key %q, ignored", field, key)
		}
	}
	return meta, nil
}

// numberValue keeps the literal's shape: a fraction or exponent makes a double,
// integers become int32 when they fit and int64 otherwise.
func numberValue(n json.Number) Value {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return Int32(int32(i))
			}
			return Int64(i)
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}
	}
	return Double(f)
}
