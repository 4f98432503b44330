package models

import (
	"fmt"
	"math"
	"testing"
)

func TestRiskLabelBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{score: 850, want: "Low Risk"},
		{score: 700, want: "Low Risk"},
		{score: 699.99, want: "Medium Risk"},
		{score: 500, want: "Medium Risk"},
		{score: 499.99, want: "High Risk"},
		{score: 0, want: "High Risk"},
	}
	for _, c := range cases {
		if got := RiskLabel(c.score); got != c.want {
			t.Errorf("RiskLabel(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestMonthlyPayment(t *testing.T) {
	// 100000 * 1.15 / 12 = 9583.333..., displayed as 9583.33
	got := MonthlyPayment(100000, 12)
	if math.Abs(got-9583.3333333) > 0.001 {
		t.Errorf("MonthlyPayment(100000, 12) = %v, want ~9583.33", got)
	}
	if display := fmt.Sprintf("%.2f", got); display != "9583.33" {
		t.Errorf("display = %q, want 9583.33", display)
	}
	if got := MonthlyPayment(1000, 0); got != 0 {
		t.Errorf("MonthlyPayment with zero term = %v, want 0", got)
	}
}

func TestProductByChoice(t *testing.T) {
	p, err := ProductByChoice("2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.MaxAmount != 200000 {
		t.Errorf("product 2 max = %v, want 200000", p.MaxAmount)
	}
	if _, err := ProductByChoice("4"); err != ErrUnknownProduct {
		t.Errorf("expected ErrUnknownProduct, got %v", err)
	}
	if _, err := ProductByChoice(""); err != ErrUnknownProduct {
		t.Errorf("expected ErrUnknownProduct for empty choice, got %v", err)
	}
}

func TestSessionAtMainMenuClearsStaleState(t *testing.T) {
	s := NewSession("sess-1", "+254700000001")
	s = s.AtSubMenu(MenuProfile).WithData(DataKeyUpdating, string(ProfileFieldFarmSize))

	s = s.AtMainMenu()
	if s.Level != 1 || s.Menu != MenuMain {
		t.Errorf("AtMainMenu left session at level=%d menu=%s", s.Level, s.Menu)
	}
	if s.Data != nil {
		t.Errorf("AtMainMenu kept transient data: %v", s.Data)
	}
}

func TestSessionWithDataDoesNotMutateOriginal(t *testing.T) {
	s := NewSession("sess-2", "+254700000002").AtSubMenu(MenuProfile)
	s2 := s.WithData(DataKeyUpdating, string(ProfileFieldYearsFarming))
	if s.Data != nil {
		t.Error("WithData mutated the receiver's data map")
	}
	if s2.Data[DataKeyUpdating] != string(ProfileFieldYearsFarming) {
		t.Errorf("WithData did not set key: %v", s2.Data)
	}
}

func TestIsValidMenuState(t *testing.T) {
	for _, m := range []MenuState{MenuMain, MenuCredit, MenuLoan, MenuPayment, MenuStatus, MenuProfile} {
		if !IsValidMenuState(m) {
			t.Errorf("IsValidMenuState(%s) = false", m)
		}
	}
	if IsValidMenuState("advice") {
		t.Error("IsValidMenuState accepted unknown menu tag")
	}
}
