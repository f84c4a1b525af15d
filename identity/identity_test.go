package identity_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/jupark12/karaoke-worker/identity"
	"github.com/jupark12/karaoke-worker/models"
)

func TestComputeTaskIDForTrackListingName(t *testing.T) {
	content := []byte("ID3 fake mp3 bytes")
	id := identity.ComputeTaskID("01 - She Hates Me - Dierks Bentley.mp3", content)

	pattern := regexp.MustCompile(`^she_hates_me_dierks_bentley_[0-9a-f]{8}\.mp3$`)
	if !pattern.MatchString(id.String()) {
		t.Fatalf("unexpected task id %q", id)
	}
	if id.Ext() != ".mp3" {
		t.Fatalf("unexpected ext %q", id.Ext())
	}
	if !strings.HasPrefix(id.Base(), "she_hates_me_dierks_bentley_") || strings.HasSuffix(id.Base(), ".mp3") {
		t.Fatalf("unexpected base %q", id.Base())
	}
}

func TestComputeTaskIDDeterministic(t *testing.T) {
	content := []byte{0x01, 0x02, 0x03}
	a := identity.ComputeTaskID("Song Title.MP3", content)
	b := identity.ComputeTaskID("song   title.mp3", content)
	if a != b {
		t.Fatalf("expected equal ids for names normalizing alike, got %q and %q", a, b)
	}
	if c := identity.ComputeTaskID("Song Title.MP3", content); c != a {
		t.Fatalf("expected repeatable id, got %q then %q", a, c)
	}
}

func TestComputeTaskIDDiffersByContent(t *testing.T) {
	a := identity.ComputeTaskID("track.mp3", []byte("first take"))
	b := identity.ComputeTaskID("track.mp3", []byte("second take"))
	if a == b {
		t.Fatalf("expected distinct ids for different content, both %q", a)
	}
}

func TestNormalizeBase(t *testing.T) {
	cases := []struct {
		in       string
		wantBase string
		wantExt  string
	}{
		{"01 - She Hates Me - Dierks Bentley.mp3", "she_hates_me_dierks_bentley", ".mp3"},
		{"Beyoncé - Halo.MP3", "beyonce_halo", ".mp3"},
		{"AC/DC - T.N.T..flac", "dc_tnt", ".flac"},
		{`C:\music\Don't Stop (Live).wav`, "dont_stop_live", ".wav"},
		{"99 Problems.mp3", "99_problems", ".mp3"},
		{"3.14 Pi.mp3", "3_14_pi", ".mp3"},
		{"1-800 Numbers.mp3", "1_800_numbers", ".mp3"},
		{"7. Seven Nation Army.mp3", "seven_nation_army", ".mp3"},
		{"12-Intro.mp3", "intro", ".mp3"},
		{"4-Minute Warning.mp3", "4_minute_warning", ".mp3"},
		{"__weird---name__.mp3", "weird_name", ".mp3"},
		{"???.mp3", "track", ".mp3"},
		{"no extension", "no_extension", ""},
	}
	for _, tc := range cases {
		base, ext := identity.NormalizeBase(tc.in)
		if base != tc.wantBase || ext != tc.wantExt {
			t.Fatalf("NormalizeBase(%q) = (%q, %q), want (%q, %q)", tc.in, base, ext, tc.wantBase, tc.wantExt)
		}
	}
}

func TestFingerprintLength(t *testing.T) {
	fp := identity.Fingerprint([]byte("abc"))
	if len(fp) != identity.FingerprintLength {
		t.Fatalf("fingerprint %q has length %d", fp, len(fp))
	}
	// md5("abc") = 900150983cd24fb0d6963f7d28e17f72
	if fp != "90015098" {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
}

func TestSelectTier(t *testing.T) {
	cases := map[string]models.Tier{
		"manual":   models.TierPrivate,
		" Manual ": models.TierPrivate,
		"":         models.TierPublic,
		"watcher":  models.TierPublic,
		"auto":     models.TierPublic,
	}
	for source, want := range cases {
		if got := identity.SelectTier(source); got != want {
			t.Fatalf("SelectTier(%q) = %q, want %q", source, got, want)
		}
	}
}

func TestTitle(t *testing.T) {
	if got := identity.Title("01 - She Hates Me - Dierks Bentley.mp3"); got != "She Hates Me - Dierks Bentley" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := identity.Title("3.14 Pi.mp3"); got != "3.14 Pi" {
		t.Fatalf("title lost its leading number: %q", got)
	}
}
