package syncer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tunesync/core/catalog"
)

// Field extraction helpers shared by the classifier, materializer and
// persister. The policy is the one the pipeline depends on: required fields
// fail hard, optional fields are best-effort — an absent key leaves the
// default, but a present-and-unparsable value is still an error.

func fieldInt64(rec catalog.Record, key string) (int64, bool, error) {
	v, ok := rec[key]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true, nil
	case int:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %w", key, err)
		}
		return n, true, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("field %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("field %s has unsupported type %T", key, v)
	}
}

func requiredInt64(rec catalog.Record, key string) (int64, error) {
	n, present, err := fieldInt64(rec, key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("record is missing required field %s", key)
	}
	return n, nil
}

func requiredString(rec catalog.Record, key string) (string, error) {
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("record is missing required field %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s is not a string", key)
	}
	return s, nil
}

func optionalString(rec catalog.Record, key string) string {
	s, _ := rec[key].(string)
	return s
}

func optionalInt(rec catalog.Record, key string) (*int, error) {
	n, present, err := fieldInt64(rec, key)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	v := int(n)
	return &v, nil
}

func optionalInt64Default(rec catalog.Record, key string, fallback int64) (int64, error) {
	n, present, err := fieldInt64(rec, key)
	if err != nil {
		return 0, err
	}
	if !present {
		return fallback, nil
	}
	return n, nil
}

// artURL digs refs[0].url out of an art-reference list. Any structural
// miss — absent key, empty list, no url — yields the empty string; art is
// strictly best-effort.
func artURL(rec catalog.Record, key string) string {
	refs, ok := rec[key].([]any)
	if !ok || len(refs) == 0 {
		return ""
	}
	first, ok := refs[0].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := first["url"].(string)
	return url
}

// microsToUTC converts a microseconds-since-epoch value to UTC time.
func microsToUTC(micros int64) time.Time {
	return time.Unix(micros/1e6, (micros%1e6)*1000).UTC()
}
