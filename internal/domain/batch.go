package domain

import "github.com/shopspring/decimal"

// InputOutcome is one priced line item of a raw feed batch.
type InputOutcome struct {
	Name     string          `json:"name" yaml:"name"`
	Header   string          `json:"header" yaml:"header"`
	Handicap string          `json:"handicap" yaml:"handicap"`
	Odd      decimal.Decimal `json:"odd" yaml:"odd"`
}

// InputBatch is a named set of outcomes as delivered by a feed.
type InputBatch struct {
	Name     string         `json:"name" yaml:"name"`
	Outcomes []InputOutcome `json:"outcomes" yaml:"outcomes"`
}

// Market is a normalized market produced by processing a batch.
type Market struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Order       int      `json:"order"`
	Tags        []string `json:"tags"`
}

// Outcome is a normalized outcome attached to a market by name.
// Handicap is nil when the rule defines no handicap projection.
type Outcome struct {
	MarketName string           `json:"market_name"`
	Name       string           `json:"name"`
	Odd        decimal.Decimal  `json:"odd"`
	Handicap   *decimal.Decimal `json:"handicap,omitempty"`
}

// SportBatch pairs a batch with the sport whose configuration applies to it.
// It is the envelope carried by the ingestion feeds.
type SportBatch struct {
	Sport string     `json:"sport" yaml:"sport"`
	Batch InputBatch `json:"batch" yaml:"batch"`
}

// ProcessedBatch is the published form of a processed batch.
type ProcessedBatch struct {
	Sport    string    `json:"sport"`
	Batch    string    `json:"batch"`
	Group    string    `json:"group,omitempty"`
	Markets  []Market  `json:"markets"`
	Outcomes []Outcome `json:"outcomes"`
	Issues   int       `json:"issues"`
}
