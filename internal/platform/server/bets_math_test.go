package server

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCashoutValue(t *testing.T) {
	cases := []struct {
		name       string
		stake      int64
		current    string
		atPurchase string
		want       int64
	}{
		{"odds unchanged", 100, "2.00", "2.00", 100},
		{"odds doubled", 100, "4.00", "2.00", 200},
		{"odds halved", 100, "1.50", "3.00", 50},
		{"floors down", 10, "1.01", "3.00", 3},      // 3.366...
		{"small stake rounds to zero", 1, "1.01", "9.99", 0},
		{"odds drifted up slightly", 250, "2.10", "2.00", 262}, // 262.5
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cashoutValue(tc.stake, dec(tc.current), dec(tc.atPurchase))
			if got != tc.want {
				t.Fatalf("cashoutValue(%d, %s, %s) = %d, want %d",
					tc.stake, tc.current, tc.atPurchase, got, tc.want)
			}
		})
	}
}

func TestCashoutValueZeroPurchaseOdds(t *testing.T) {
	if got := cashoutValue(100, dec("2.00"), decimal.Zero); got != 0 {
		t.Fatalf("zero purchase odds = %d, want 0", got)
	}
}

func TestSellNetNeverNegative(t *testing.T) {
	// fee can never exceed a 2% cut, so gross - fee stays non-negative
	// for every gross the cashout can produce.
	for gross := int64(0); gross < 500; gross++ {
		if net := gross - fee(gross); net < 0 {
			t.Fatalf("net negative at gross %d", gross)
		}
	}
}

func TestMinOdds(t *testing.T) {
	if !dec("1.00").LessThan(minOdds) {
		t.Fatal("1.00 should be below the minimum")
	}
	if dec("1.01").LessThan(minOdds) {
		t.Fatal("1.01 should satisfy the minimum")
	}
}
