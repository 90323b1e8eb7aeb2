package loader

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clbanning/mxj/v2"
	"go.uber.org/zap"
)

// Transformer turns one file payload into a record. Implementations are pure
// functions of the payload content and safe for concurrent use.
type Transformer interface {
	Transform(payload FilePayload) (TransformedRecord, error)
}

var (
	errEmptyDocument = errors.New("empty document")
	errNoRootElement = errors.New("no single root element")
)

// mxj marks attributes with this prefix; the loader stores them as plain
// fields next to the child elements.
const attrPrefix = "-"

// XMLTransformer parses invoice XML into a generic field map. The root
// element is unwrapped: its attributes and children become the top-level
// fields of the record.
type XMLTransformer struct{}

func (XMLTransformer) Transform(payload FilePayload) (rec TransformedRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ParseError{Filename: payload.Filename, Cause: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	start := time.Now()
	fields, err := parseXML(payload.Content)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return TransformedRecord{}, &ParseError{Filename: payload.Filename, Cause: err}
	}
	zap.S().Debugw("processed file", "file", payload.Filename, "parse_ms", elapsed)
	return TransformedRecord{
		Filename: payload.Filename,
		Fields:   fields,
		ParseMs:  elapsed,
	}, nil
}

func parseXML(content []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, errEmptyDocument
	}
	m, err := mxj.NewMapXml(content)
	if err != nil {
		return nil, err
	}
	if len(m) != 1 {
		return nil, errNoRootElement
	}
	for _, root := range m {
		switch v := root.(type) {
		case map[string]any:
			return normalizeMap(v), nil
		case string:
			// <invoice/> carries no fields
			if strings.TrimSpace(v) == "" {
				return map[string]any{}, nil
			}
			return map[string]any{"#text": v}, nil
		default:
			return map[string]any{"#text": v}, nil
		}
	}
	return nil, errNoRootElement
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if name, ok := strings.CutPrefix(k, attrPrefix); ok && name != "" {
			if _, clash := m[name]; !clash {
				key = name
			}
		}
		out[key] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case mxj.Map:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	default:
		return v
	}
}
