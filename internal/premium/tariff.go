// Package premium holds premium tariffs, activation and expiry.
package premium

import "strings"

// Tariff is a purchasable premium period.
type Tariff struct {
	Code  string `json:"code"`
	Label string `json:"label"`
	Days  int    `json:"days"`
	Price string `json:"price"`
}

var tariffs = []Tariff{
	{Code: "1_month", Label: "1 month", Days: 30, Price: "299"},
	{Code: "3_months", Label: "3 months", Days: 90, Price: "799"},
	{Code: "1_year", Label: "1 year", Days: 365, Price: "2499"},
}

// Tariffs returns the available tariffs, shortest first.
func Tariffs() []Tariff {
	return append([]Tariff(nil), tariffs...)
}

// LookupTariff finds a tariff by code, ignoring case and surrounding space.
func LookupTariff(code string) (Tariff, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, t := range tariffs {
		if t.Code == code {
			return t, true
		}
	}
	return Tariff{}, false
}
