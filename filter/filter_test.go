package filter

import (
	"testing"
	"time"

	"github.com/benji-backup/benji/metadata"
)

func sampleVersion() *metadata.Version {
	return &metadata.Version{
		UID:       "V0000000001",
		Volume:    "myvolume",
		Date:      time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Status:    metadata.StatusValid,
		Protected: true,
		Labels:    map[string]string{"env": "prod"},
	}
}

func mustMatch(t *testing.T, src string, v *metadata.Version, want bool) {
	t.Helper()
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	got, err := Match(e, v)
	if err != nil {
		t.Fatalf("Match(%q): %v", src, err)
	}
	if got != want {
		t.Errorf("Match(%q) = %v, want %v", src, got, want)
	}
}

func TestBasicComparisons(t *testing.T) {
	v := sampleVersion()
	mustMatch(t, `volume == "myvolume"`, v, true)
	mustMatch(t, `volume == "other"`, v, false)
	mustMatch(t, `volume != "other"`, v, true)
	mustMatch(t, `status == "valid"`, v, true)
	mustMatch(t, `protected`, v, true)
	mustMatch(t, `not protected`, v, false)
}

func TestBoolOps(t *testing.T) {
	v := sampleVersion()
	mustMatch(t, `volume == "myvolume" and protected`, v, true)
	mustMatch(t, `volume == "other" or protected`, v, true)
	mustMatch(t, `volume == "other" and protected`, v, false)
	mustMatch(t, `not (volume == "other")`, v, true)
}

func TestLabels(t *testing.T) {
	v := sampleVersion()
	mustMatch(t, `labels["env"]`, v, true)
	mustMatch(t, `labels["missing"]`, v, false)
	mustMatch(t, `labels["env"] == "prod"`, v, true)
	mustMatch(t, `labels["env"] == "staging"`, v, false)
}

func TestLike(t *testing.T) {
	v := sampleVersion()
	mustMatch(t, `volume like "my%"`, v, true)
	mustMatch(t, `volume like "%other%"`, v, false)
	mustMatch(t, `uid like "V%"`, v, true)
}

func TestDateComparison(t *testing.T) {
	v := sampleVersion()
	mustMatch(t, `date < "2024-06-01"`, v, true)
	mustMatch(t, `date > "2024-06-01"`, v, false)
}

func TestUnknownIdentifierRejected(t *testing.T) {
	if _, err := Parse(`some_arbitrary_attr == 1`); err == nil {
		t.Fatal("expected parse error for unknown identifier")
	}
}

func TestRelativeDate(t *testing.T) {
	if _, err := ParseDate("1 week ago"); err != nil {
		t.Fatalf("ParseDate(1 week ago): %v", err)
	}
	if _, err := ParseDate("ago"); err == nil {
		t.Fatal("expected error for malformed relative date")
	}
}
