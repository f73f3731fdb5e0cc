package utils

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Redecode converts a loosely typed value, usually a generic JSON body, into T.
// Values that already are T or *T are returned without a round trip.
func Redecode[T any](v any) (T, error) {
	switch typed := v.(type) {
	case T:
		return typed, nil
	case *T:
		if typed != nil {
			return *typed, nil
		}
	}
	var result T
	if v == nil {
		return result, errors.New("redecode nil value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return result, errors.WithMessage(err, "marshal json")
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, errors.WithMessage(err, "unmarshal json")
	}
	return result, nil
}
