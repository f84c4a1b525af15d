// Package identity derives stable task identifiers from uploads and routes
// submissions to a visibility tier.
//
// A task id is the normalized base name of the upload, an 8 character content
// fingerprint and the lower-cased extension, e.g.
// "she_hates_me_dierks_bentley_3f2a9c1d.mp3". The fingerprint is the MD5
// prefix of the content; it is meant for dedupe, not for integrity.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jupark12/karaoke-worker/models"
)

// FingerprintLength is the number of hex characters taken from the content hash.
const FingerprintLength = 8

// fallbackBase names uploads whose base name normalizes to nothing.
const fallbackBase = "track"

var (
	trackPrefix  = regexp.MustCompile(`^\s*(\d{1,3})(\s*)[-._)](\s*)`)
	separatorRun = regexp.MustCompile(`[\s\-_]+`)
	disallowed   = regexp.MustCompile(`[^a-z0-9_]+`)
	underscores  = regexp.MustCompile(`_+`)
	extAllowed   = regexp.MustCompile(`[^a-z0-9]+`)
)

// TaskID identifies one (normalized filename, content) pair.
type TaskID string

func (id TaskID) String() string { return string(id) }

// Ext returns the extension including the leading dot, or "".
func (id TaskID) Ext() string {
	return filepath.Ext(string(id))
}

// Base returns the id without its extension. Processed and final artifacts
// are foldered under this value.
func (id TaskID) Base() string {
	return strings.TrimSuffix(string(id), id.Ext())
}

// ComputeTaskID returns the deterministic task id for an upload.
func ComputeTaskID(rawFilename string, content []byte) TaskID {
	base, ext := NormalizeBase(rawFilename)
	return TaskID(base + "_" + Fingerprint(content) + ext)
}

// Fingerprint returns the short content fingerprint used in task ids.
func Fingerprint(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// NormalizeBase splits a display filename into its normalized base name and
// lower-cased extension (with dot). Leading track numbers such as "01 - " are
// dropped, accents are folded to ASCII, whitespace and hyphen runs become a
// single underscore, and anything outside [a-z0-9_] is stripped.
func NormalizeBase(rawFilename string) (string, string) {
	name := lastPathElement(rawFilename)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	ext = extAllowed.ReplaceAllString(strings.ToLower(ext), "")
	if ext != "" {
		ext = "." + ext
	}

	stem = stripTrackPrefix(stem)
	stem = foldToASCII(stem)
	stem = separatorRun.ReplaceAllString(stem, "_")
	stem = disallowed.ReplaceAllString(stem, "")
	stem = underscores.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "_")
	if stem == "" {
		stem = fallbackBase
	}
	return stem, ext
}

// stripTrackPrefix removes a leading track number such as "01 - " or "3. ".
// A single digit only counts when whitespace surrounds its separator, and a
// digit right after the separator means the number belongs to the title
// ("3.14 Pi", "1-800 Numbers").
func stripTrackPrefix(name string) string {
	m := trackPrefix.FindStringSubmatchIndex(name)
	if m == nil {
		return name
	}
	rest := name[m[1]:]
	if rest == "" || unicode.IsDigit(rune(rest[0])) {
		return name
	}
	digits := m[3] - m[2]
	spaced := m[5] > m[4] || m[7] > m[6]
	if digits < 2 && !spaced {
		return name
	}
	return rest
}

// Title derives a display title from an upload name when the caller supplied
// none: the base name without directory, extension, or track number prefix.
func Title(rawFilename string) string {
	name := lastPathElement(rawFilename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimSpace(stripTrackPrefix(name))
	if name == "" {
		return fallbackBase
	}
	return name
}

// SelectTier routes "manual" uploads to the private tier and everything else,
// including an empty source, to the public tier.
func SelectTier(source string) models.Tier {
	if strings.EqualFold(strings.TrimSpace(source), "manual") {
		return models.TierPrivate
	}
	return models.TierPublic
}

func foldToASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(cases.Fold().String(folded))
}

func lastPathElement(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
