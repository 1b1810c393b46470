package config

import (
	"encoding"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks replaces viper's default decode hooks. The defaults (durations and comma separated slices) are kept and
// any type implementing encoding.TextUnmarshaler (e.g. the ledger sharding mode or the job start type) is decoded
// from its string form.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		TextUnmarshalerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func TextUnmarshalerHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		target := reflect.New(t).Interface()
		unmarshaler, ok := target.(encoding.TextUnmarshaler)
		if !ok {
			return data, nil
		}
		if err := unmarshaler.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return reflect.ValueOf(target).Elem().Interface(), nil
	}
}
