package domain

import "time"

// LocationView is the wire form of a displayed position. Every key is
// always present; absent values are null.
type LocationView struct {
	Lat           float64     `json:"lat"`
	Lon           float64     `json:"lon"`
	Accuracy      *float64    `json:"accuracy"`
	Source        MessageType `json:"source"`
	FulfilledWith *string     `json:"fulfilledWith"`
	Timestamp     string      `json:"timestamp"`
}

type TemperatureView struct {
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

func NewLocationView(f Fix) *LocationView {
	v := &LocationView{
		Lat:       f.Lat,
		Lon:       f.Lon,
		Accuracy:  f.Accuracy,
		Source:    f.Source,
		Timestamp: FormatTimestamp(f.Timestamp),
	}
	if f.FulfilledWith != "" {
		method := f.FulfilledWith
		v.FulfilledWith = &method
	}
	return v
}

func NewTemperatureView(t *TemperatureReading) *TemperatureView {
	if t == nil {
		return nil
	}
	return &TemperatureView{Value: t.Celsius, Timestamp: FormatTimestamp(t.Timestamp)}
}

// TimestampPtr formats t, keeping nil as nil.
func TimestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTimestamp(*t)
	return &s
}
