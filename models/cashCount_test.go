package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/cashregister_backend/models"
	"bitbucket.org/mmdatafocus/cashregister_backend/utils"
)

func TestCalculateDenominationTotal(t *testing.T) {
	d := models.Denominations{
		"bills": {"20": 5},
		"coins": {"1": 10},
	}
	total, err := models.CalculateDenominationTotal(d)
	if err != nil {
		t.Fatalf("CalculateDenominationTotal: %v", err)
	}
	if total.StringFixed(2) != "110.00" {
		t.Fatalf("expected 110.00; got %s", total.StringFixed(2))
	}
}

func TestCalculateDenominationTotalFractionalFaces(t *testing.T) {
	d := models.Denominations{
		"bills": {"5": 3, "10": 1},
		"coins": {"0.25": 4, "0.10": 3},
	}
	total, err := models.CalculateDenominationTotal(d)
	if err != nil {
		t.Fatalf("CalculateDenominationTotal: %v", err)
	}
	// 15 + 10 + 1.00 + 0.30
	if total.StringFixed(2) != "26.30" {
		t.Fatalf("expected 26.30; got %s", total.StringFixed(2))
	}
}

func TestCalculateDenominationTotalEmpty(t *testing.T) {
	total, err := models.CalculateDenominationTotal(nil)
	if err != nil {
		t.Fatalf("CalculateDenominationTotal(nil): %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected zero total; got %s", total.String())
	}

	total, err = models.CalculateDenominationTotal(models.Denominations{})
	if err != nil {
		t.Fatalf("CalculateDenominationTotal(empty): %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected zero total; got %s", total.String())
	}
}

func TestCalculateDenominationTotalIgnoresUnknownSections(t *testing.T) {
	d := models.Denominations{
		"bills": {"100": 2},
		"notes": {"garbage": -1},
	}
	total, err := models.CalculateDenominationTotal(d)
	if err != nil {
		t.Fatalf("CalculateDenominationTotal: %v", err)
	}
	if total.StringFixed(2) != "200.00" {
		t.Fatalf("expected 200.00; got %s", total.StringFixed(2))
	}
}

func TestCalculateDenominationTotalMalformed(t *testing.T) {
	cases := []models.Denominations{
		{"bills": {"twenty": 5}},
		{"coins": {"1": -2}},
		{"bills": {"-20": 1}},
	}
	for i, d := range cases {
		if _, err := models.CalculateDenominationTotal(d); !errors.Is(err, utils.ErrorInvalidInput) {
			t.Fatalf("case %d: expected ErrorInvalidInput; got %v", i, err)
		}
	}
}
