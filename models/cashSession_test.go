package models_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"github.com/shopspring/decimal"
)

func TestGetDuration(t *testing.T) {
	opened := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		closed time.Time
		want   string
	}{
		{opened.Add(2*time.Hour + 15*time.Minute), "2h 15m"},
		{opened.Add(45 * time.Minute), "45m"},
		{opened.Add(60 * time.Minute), "1h 0m"},
		{opened, "0m"},
		{opened.Add(26*time.Hour + 1*time.Minute), "26h 1m"},
	}
	for _, c := range cases {
		closed := c.closed
		session := models.CashSession{OpenedAt: opened, ClosedAt: &closed}
		if got := session.GetDuration(); got != c.want {
			t.Fatalf("GetDuration(%s): expected %q; got %q", c.closed.Sub(opened), c.want, got)
		}
	}
}

func TestGetDurationOpenSessionMeasuresToNow(t *testing.T) {
	session := models.CashSession{OpenedAt: time.Now().Add(-30 * time.Minute)}
	got := session.GetDuration()
	if got != "30m" && got != "29m" && got != "31m" {
		t.Fatalf("expected roughly 30m; got %q", got)
	}
}

func TestClassifyDifference(t *testing.T) {
	cases := []struct {
		diff string
		want models.DifferenceClassification
	}{
		{"0", models.DifferenceExact},
		{"0.00", models.DifferenceExact},
		{"2.50", models.DifferenceSurplus},
		{"-5.00", models.DifferenceShortage},
	}
	for _, c := range cases {
		d, err := decimal.NewFromString(c.diff)
		if err != nil {
			t.Fatalf("bad test decimal %q: %v", c.diff, err)
		}
		if got := models.ClassifyDifference(d); got != c.want {
			t.Fatalf("ClassifyDifference(%s): expected %s; got %s", c.diff, c.want, got)
		}
	}
}

func TestMovementTypeStoredNegative(t *testing.T) {
	if models.MovementTypeSale.StoredNegative() || models.MovementTypeIn.StoredNegative() {
		t.Fatal("sale and in must be stored positive")
	}
	if !models.MovementTypeRefund.StoredNegative() || !models.MovementTypeOut.StoredNegative() {
		t.Fatal("refund and out must be stored negative")
	}
}

func TestParseMovementType(t *testing.T) {
	if _, err := models.ParseMovementType("sale"); err != nil {
		t.Fatalf("sale should parse: %v", err)
	}
	if _, err := models.ParseMovementType("deposit"); err == nil {
		t.Fatal("deposit should not parse")
	}
}

func TestParsePaymentMethodDefaultsToCash(t *testing.T) {
	m, err := models.ParsePaymentMethod("")
	if err != nil {
		t.Fatalf("empty method should default: %v", err)
	}
	if m != models.PaymentMethodCash {
		t.Fatalf("expected cash; got %s", m)
	}
	if _, err := models.ParsePaymentMethod("crypto"); err == nil {
		t.Fatal("crypto should not parse")
	}
}
