package cast

import "testing"

func TestToString(t *testing.T) {
	if got, err := ToString("x"); err != nil || got != "x" {
		t.Fatalf("ToString(string) = (%q,%v)", got, err)
	}
	if got, err := ToString([]byte("y")); err != nil || got != "y" {
		t.Fatalf("ToString([]byte) = (%q,%v)", got, err)
	}
	if _, err := ToString(5); err == nil {
		t.Fatal("ToString(int) should error")
	}
}

func TestToInt(t *testing.T) {
	cases := []any{int(1), int8(1), int16(1), int32(1), int64(1), uint(1), uint8(1), uint32(1), uint64(1)}
	for _, c := range cases {
		got, err := ToInt(c)
		if err != nil || got != 1 {
			t.Fatalf("ToInt(%T) = (%d,%v), want (1,nil)", c, got, err)
		}
	}
	if _, err := ToInt("x"); err == nil {
		t.Fatal("ToInt(string) should error")
	}
}

func TestToStringSlice(t *testing.T) {
	got, err := ToStringSlice([]any{"a", "b"})
	if err != nil || len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ToStringSlice = (%v,%v)", got, err)
	}
	if _, err := ToStringSlice("x"); err == nil {
		t.Fatal("ToStringSlice(non-list) should error")
	}
}

func TestToTieredStrings(t *testing.T) {
	got, err := ToTieredStrings([]any{[]any{"a"}, []any{"b", "c"}})
	if err != nil || len(got) != 2 || len(got[1]) != 2 {
		t.Fatalf("ToTieredStrings = (%v,%v)", got, err)
	}
	if _, err := ToTieredStrings([]any{[]any{}}); err == nil {
		t.Fatal("ToTieredStrings with an empty tier should error")
	}
}
