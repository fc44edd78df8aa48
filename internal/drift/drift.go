// Package drift detects silent divergence between the replica and the source
// of record by comparing content checksums, and itemizes what diverged.
package drift

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

// Content is the part of a profile covered by the checksum. Bookkeeping
// fields (timestamps, statuses, admin annotations) are excluded so that only
// source data changes count as drift.
type Content struct {
	CustomerType       profile.CustomerType        `json:"customerType"`
	BasicInfo          profile.BasicInfo           `json:"basicInfo"`
	CompanyProfile     *profile.CompanyProfile     `json:"companyProfile,omitempty"`
	InstitutionProfile *profile.InstitutionProfile `json:"institutionProfile,omitempty"`
	Extended           *profile.ExtendedProfile    `json:"extendedProfile,omitempty"`
	Patrimoine         *profile.Patrimoine         `json:"patrimoine,omitempty"`
	Completeness       profile.Completeness        `json:"profileCompleteness"`
}

// ContentOf extracts the checksummed content of rec.
func ContentOf(rec *profile.Record) Content {
	c := Content{
		CustomerType: rec.CustomerType,
		BasicInfo:    rec.BasicInfo,
		Extended:     rec.Extended,
		Patrimoine:   rec.Patrimoine,
		Completeness: rec.Completeness,
	}
	switch d := rec.Details.(type) {
	case *profile.CompanyProfile:
		c.CompanyProfile = d
	case *profile.InstitutionProfile:
		c.InstitutionProfile = d
	}
	return c
}

// Checksum returns the hex SHA-256 of the canonical JSON encoding of c.
func Checksum(c Content) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Detector compares incoming content with the replica.
type Detector struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewDetector creates a drift detector.
func NewDetector() *Detector {
	return &Detector{dmp: diffmatchpatch.New()}
}

// Diff lists one unresolved conflict per leaf field whose value differs
// between old and incoming, sorted by field path. String fields carry a
// text patch.
func (d *Detector) Diff(old, incoming Content, now time.Time) ([]profile.Conflict, error) {
	before, err := flatten(old)
	if err != nil {
		return nil, err
	}
	after, err := flatten(incoming)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		fields[k] = struct{}{}
	}
	for k := range after {
		fields[k] = struct{}{}
	}
	paths := make([]string, 0, len(fields))
	for k := range fields {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	var conflicts []profile.Conflict
	for _, path := range paths {
		o, n := before[path], after[path]
		if bytes.Equal(o, n) {
			continue
		}
		conflicts = append(conflicts, profile.Conflict{
			Field:      path,
			OldValue:   o,
			NewValue:   n,
			Patch:      d.patch(o, n),
			DetectedAt: now,
		})
	}
	return conflicts, nil
}

func (d *Detector) patch(o, n json.RawMessage) string {
	var before, after string
	if json.Unmarshal(o, &before) != nil || json.Unmarshal(n, &after) != nil {
		return ""
	}
	diffs := d.dmp.DiffMain(before, after, false)
	return d.dmp.PatchToText(d.dmp.PatchMake(before, diffs))
}

// flatten maps dotted object paths to the JSON encoding of their leaf values.
// Arrays are leaves.
func flatten(c Content) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	out := make(map[string]json.RawMessage)
	if err := walk("", tree, out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(prefix string, v any, out map[string]json.RawMessage) error {
	if obj, ok := v.(map[string]any); ok {
		for k, child := range obj {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if err := walk(path, child, out); err != nil {
				return err
			}
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", prefix, err)
	}
	out[prefix] = raw
	return nil
}
