// ABOUTME: Holiday calendars: the sample payload stored in the bitemporal master
// ABOUTME: Immutable value built with options, indexed by name, type and external ids

package holiday

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// Scheme is the ObjectID scheme of stored holidays.
const Scheme = "DbHol"

// CurrencyScheme is the external id scheme used to index a holiday's currency.
const CurrencyScheme = "CurrencyISO"

// Type classifies what a holiday calendar closes.
type Type string

const (
	Bank       Type = "BANK"
	Settlement Type = "SETTLEMENT"
	Trading    Type = "TRADING"
	Currency   Type = "CURRENCY"
	Custom     Type = "CUSTOM"
)

// ParseType parses a Type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(s))
	switch t {
	case Bank, Settlement, Trading, Currency, Custom:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown holiday type %q", sentinel.ErrValidation, s)
}

// Holiday is a named set of non-business dates. It is immutable: With*
// methods return modified copies.
type Holiday struct {
	name     string
	typ      Type
	currency string
	region   ids.ExternalID
	exchange ids.ExternalID
	custom   ids.ExternalID
	provider ids.ExternalID
	dates    []Date
}

// Option configures a Holiday under construction.
type Option func(*Holiday)

func WithCurrency(code string) Option {
	return func(h *Holiday) { h.currency = strings.ToUpper(code) }
}

func WithRegion(id ids.ExternalID) Option {
	return func(h *Holiday) { h.region = id }
}

func WithExchange(id ids.ExternalID) Option {
	return func(h *Holiday) { h.exchange = id }
}

func WithCustom(id ids.ExternalID) Option {
	return func(h *Holiday) { h.custom = id }
}

// WithProvider records the id of the holiday in the system it came from.
func WithProvider(id ids.ExternalID) Option {
	return func(h *Holiday) { h.provider = id }
}

func WithDates(dates ...Date) Option {
	return func(h *Holiday) { h.dates = append(h.dates, dates...) }
}

// New builds and validates a Holiday.
func New(name string, typ Type, opts ...Option) (Holiday, error) {
	h := Holiday{name: name, typ: typ}
	for _, opt := range opts {
		opt(&h)
	}
	h.dates = normalizeDates(h.dates)
	if err := Validate(h); err != nil {
		return Holiday{}, err
	}
	return h, nil
}

// MustNew is New for fixtures known to be valid.
func MustNew(name string, typ Type, opts ...Option) Holiday {
	h, err := New(name, typ, opts...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Holiday) Name() string               { return h.name }
func (h Holiday) Type() Type                 { return h.typ }
func (h Holiday) Currency() string           { return h.currency }
func (h Holiday) RegionID() ids.ExternalID   { return h.region }
func (h Holiday) ExchangeID() ids.ExternalID { return h.exchange }
func (h Holiday) CustomID() ids.ExternalID   { return h.custom }
func (h Holiday) ProviderID() ids.ExternalID { return h.provider }

// Dates returns the sorted holiday dates.
func (h Holiday) Dates() []Date {
	return slices.Clone(h.dates)
}

// IsHoliday reports whether d is one of the dates.
func (h Holiday) IsHoliday(d Date) bool {
	_, found := slices.BinarySearchFunc(h.dates, d, Date.Compare)
	return found
}

// With returns a copy with extra options applied.
func (h Holiday) With(opts ...Option) (Holiday, error) {
	next := h
	next.dates = slices.Clone(h.dates)
	for _, opt := range opts {
		opt(&next)
	}
	next.dates = normalizeDates(next.dates)
	if err := Validate(next); err != nil {
		return Holiday{}, err
	}
	return next, nil
}

// Rename returns a copy with a different name.
func (h Holiday) Rename(name string) (Holiday, error) {
	next := h
	next.name = name
	next.dates = slices.Clone(h.dates)
	if err := Validate(next); err != nil {
		return Holiday{}, err
	}
	return next, nil
}

// Equal compares every field.
func (h Holiday) Equal(other Holiday) bool {
	return h.name == other.name && h.typ == other.typ && h.currency == other.currency &&
		h.region == other.region && h.exchange == other.exchange && h.custom == other.custom &&
		h.provider == other.provider && slices.Equal(h.dates, other.dates)
}

func (h Holiday) String() string {
	return fmt.Sprintf("Holiday[%s %s, %d dates]", h.typ, h.name, len(h.dates))
}

// Validate checks that h carries the key its type requires.
func Validate(h Holiday) error {
	if strings.TrimSpace(h.name) == "" {
		return fmt.Errorf("%w: holiday name must not be empty", sentinel.ErrValidation)
	}
	if _, err := ParseType(string(h.typ)); err != nil {
		return err
	}
	switch h.typ {
	case Bank:
		if h.region.IsZero() {
			return fmt.Errorf("%w: bank holiday %q needs a region id", sentinel.ErrValidation, h.name)
		}
	case Settlement, Trading:
		if h.exchange.IsZero() {
			return fmt.Errorf("%w: %s holiday %q needs an exchange id", sentinel.ErrValidation, strings.ToLower(string(h.typ)), h.name)
		}
	case Currency:
		if h.currency == "" {
			return fmt.Errorf("%w: currency holiday %q needs a currency", sentinel.ErrValidation, h.name)
		}
	case Custom:
		if h.custom.IsZero() {
			return fmt.Errorf("%w: custom holiday %q needs a custom id", sentinel.ErrValidation, h.name)
		}
	}
	if h.currency != "" && !isCurrencyCode(h.currency) {
		return fmt.Errorf("%w: invalid currency code %q", sentinel.ErrValidation, h.currency)
	}
	return nil
}

// Index extracts the searchable fields: name, type, and every external id
// including the currency under CurrencyScheme.
func Index(h Holiday) document.Fields {
	bundle := ids.NewBundle(h.region, h.exchange, h.custom, h.provider)
	if h.currency != "" {
		bundle = bundle.With(ids.ExternalID{Scheme: CurrencyScheme, Value: h.currency})
	}
	return document.Fields{Name: h.name, Type: string(h.typ), ExternalIDs: bundle}
}

// Filter builds a search filter for holidays of typ keyed by any of keys.
func Filter(typ Type, keys ...ids.ExternalID) store.Filter {
	f := store.Filter{Type: string(typ)}
	if len(keys) > 0 {
		search := ids.SearchAny(keys...)
		f.ExternalIDs = &search
	}
	return f
}

// CurrencyFilter builds a search filter for currency holidays of code.
func CurrencyFilter(code string) store.Filter {
	return Filter(Currency, ids.ExternalID{Scheme: CurrencyScheme, Value: strings.ToUpper(code)})
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func normalizeDates(dates []Date) []Date {
	if len(dates) == 0 {
		return nil
	}
	out := slices.Clone(dates)
	slices.SortFunc(out, Date.Compare)
	return slices.Compact(out)
}

type wireHoliday struct {
	Name     string          `json:"name"`
	Type     Type            `json:"type"`
	Currency string          `json:"currency,omitempty"`
	Region   *ids.ExternalID `json:"region,omitempty"`
	Exchange *ids.ExternalID `json:"exchange,omitempty"`
	Custom   *ids.ExternalID `json:"custom,omitempty"`
	Provider *ids.ExternalID `json:"provider,omitempty"`
	Dates    []Date          `json:"dates,omitempty"`
}

func optionalID(id ids.ExternalID) *ids.ExternalID {
	if id.IsZero() {
		return nil
	}
	return &id
}

func (h Holiday) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHoliday{
		Name:     h.name,
		Type:     h.typ,
		Currency: h.currency,
		Region:   optionalID(h.region),
		Exchange: optionalID(h.exchange),
		Custom:   optionalID(h.custom),
		Provider: optionalID(h.provider),
		Dates:    h.dates,
	})
}

func (h *Holiday) UnmarshalJSON(data []byte) error {
	var w wireHoliday
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	opts := []Option{WithCurrency(w.Currency), WithDates(w.Dates...)}
	for _, id := range []struct {
		p   *ids.ExternalID
		opt func(ids.ExternalID) Option
	}{{w.Region, WithRegion}, {w.Exchange, WithExchange}, {w.Custom, WithCustom}, {w.Provider, WithProvider}} {
		if id.p != nil {
			opts = append(opts, id.opt(*id.p))
		}
	}
	built, err := New(w.Name, w.Type, opts...)
	if err != nil {
		return err
	}
	*h = built
	return nil
}

// Date is a calendar date without time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes out-of-range components the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the date of t in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: invalid date %q", sentinel.ErrValidation, s)
	}
	return DateOf(t), nil
}

func (d Date) Compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return d.Year - other.Year
	case d.Month != other.Month:
		return int(d.Month) - int(other.Month)
	default:
		return d.Day - other.Day
	}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
