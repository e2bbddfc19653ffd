package amount

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"5", Whole(5)},
		{"0.25", 250_000_000},
		{"0.000000001", 1},
		{"8.000", Whole(8)},
		{"18446744073.709551615", math.MaxUint64},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tt.in, err)
			continue
		}

		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000000001", "18446744073.709551616"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   Amount
		want string
	}{
		{0, "0"},
		{Whole(8), "8"},
		{1_500_000_000, "1.5"},
		{1, "0.000000001"},
	}

	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", uint64(tt.in), got, tt.want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	if _, err := Amount(math.MaxUint64).Add(1); !errors.Is(err, ErrOverflow) {
		t.Errorf("Add overflow error = %v, want ErrOverflow", err)
	}

	if _, err := Amount(1).Sub(2); !errors.Is(err, ErrUnderflow) {
		t.Errorf("Sub underflow error = %v, want ErrUnderflow", err)
	}

	if got := Whole(5).SaturatingSub(Whole(8)); got != 0 {
		t.Errorf("SaturatingSub = %d, want 0", got)
	}

	if got := Amount(math.MaxUint64).SaturatingAdd(5); got != math.MaxUint64 {
		t.Errorf("SaturatingAdd = %d, want max", got)
	}

	if got := Min(Whole(3), Whole(2)); got != Whole(2) {
		t.Errorf("Min = %d, want %d", got, Whole(2))
	}
}

func TestJSONUsesDecimalStrings(t *testing.T) {
	data, err := json.Marshal(struct {
		Price Amount `json:"price"`
	}{Whole(3)})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(data) != `{"price":"3"}` {
		t.Errorf("Marshal = %s", data)
	}

	var back struct {
		Price Amount `json:"price"`
	}

	if err := json.Unmarshal([]byte(`{"price":"2.5"}`), &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if back.Price != 2_500_000_000 {
		t.Errorf("Unmarshal = %d", back.Price)
	}
}
