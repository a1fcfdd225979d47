package domain

// Venue names recognised by the listeners and the trading client.
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
)

// Listing is an instrument's symbol on a single venue.
type Listing struct {
	Venue  string
	Symbol string
}

// Instrument is a tradable pair listed on both the leading venue (A) and the
// confirming venue (B). Orders are only ever placed on venue B.
type Instrument struct {
	ID            string
	Symbol        string
	VenueA        Listing
	VenueB        Listing
	LotSize       float64
	TickSize      float64
	ContractValue float64
	MinQty        float64
	Enabled       bool
}

// Validate checks the numeric metadata the sizing code depends on.
func (i Instrument) Validate() error {
	switch {
	case i.ID == "":
		return &ConfigurationError{Field: "instrument.id", Reason: "must not be empty"}
	case i.VenueA.Symbol == "" || i.VenueB.Symbol == "":
		return &ConfigurationError{Field: "instrument." + i.ID + ".symbols", Reason: "both venue symbols are required"}
	case i.LotSize <= 0:
		return &ConfigurationError{Field: "instrument." + i.ID + ".lot_size", Reason: "must be positive"}
	case i.TickSize <= 0:
		return &ConfigurationError{Field: "instrument." + i.ID + ".tick_size", Reason: "must be positive"}
	}
	return nil
}

// ContractMultiplier returns the base quantity per contract, defaulting to 1.
func (i Instrument) ContractMultiplier() float64 {
	if i.ContractValue <= 0 {
		return 1
	}
	return i.ContractValue
}

// MarkKey is the price-cache key for a symbol on a venue.
func MarkKey(venue, symbol string) string {
	return venue + ":" + symbol
}

// MarkKeyB is the price-cache key of the instrument on the trading venue.
func (i Instrument) MarkKeyB() string {
	return MarkKey(i.VenueB.Venue, i.VenueB.Symbol)
}
