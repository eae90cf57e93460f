package domain

// Direction is the predicted market direction for a session.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// Prediction is the opaque result of the external chart-analysis call.
type Prediction struct {
	Instrument string
	Session    string
	Model      string // model identifier, part of the rolling-window key
	Direction  Direction
	Conviction int // 1..10
}
