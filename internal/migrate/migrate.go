// Package migrate holds the schema migration plan primitives: upgrader
// registry and chaining, plan hashing, and drift-detection tokens.
package migrate

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// Upgrader transforms one stored row's payload from a schema version to the
// next. Upgraders must be pure: same input, same output, no side effects.
type Upgrader func(fields map[string]any) (map[string]any, error)

// UpgraderKey identifies an upgrader by type name and source version.
type UpgraderKey struct {
	TypeName    string
	FromVersion int64
}

// Registry maps upgrader keys to functions.
type Registry map[UpgraderKey]Upgrader

// Add registers an upgrader, rejecting duplicates.
func (r Registry) Add(typeName string, fromVersion int64, fn Upgrader) error {
	key := UpgraderKey{TypeName: typeName, FromVersion: fromVersion}
	if _, exists := r[key]; exists {
		return onterr.New(onterr.KindMigration, "register_upgrader",
			"duplicate upgrader for %s from_version=%d", typeName, fromVersion)
	}
	r[key] = fn
	return nil
}

// Preview is the result of a dry-run migration.
type Preview struct {
	HasChanges              bool
	Token                   string
	Diffs                   []schema.Diff
	EstimatedRows           map[string]int64
	TypesRequiringUpgraders []string
	TypesSchemaOnly         []string
	MissingUpgraders        []string
}

// Result is the outcome of an applied migration.
type Result struct {
	Success           bool
	TypesMigrated     []string
	RowsMigrated      map[string]int64
	NewSchemaVersions map[string]int64
	DurationSeconds   float64
}

// PlanHash computes the SHA-256 of the canonical JSON form of the diffs.
func PlanHash(diffs []schema.Diff) (string, error) {
	sorted := append([]schema.Diff(nil), diffs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TypeKind != sorted[j].TypeKind {
			return sorted[i].TypeKind < sorted[j].TypeKind
		}
		return sorted[i].TypeName < sorted[j].TypeName
	})

	docs := make([]any, 0, len(sorted))
	for _, d := range sorted {
		changed := map[string]any{}
		for name, ch := range d.ChangedFields {
			changed[name] = map[string]any{"stored": ch.Stored, "code": ch.Code}
		}
		docs = append(docs, map[string]any{
			"type_kind":      d.TypeKind,
			"type_name":      d.TypeName,
			"stored_version": d.StoredVersion,
			"added_fields":   d.AddedFields,
			"removed_fields": d.RemovedFields,
			"changed_fields": changed,
		})
	}
	raw, err := canonicaljson.Marshal(docs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Token encodes plan_hash:head as the drift-detection token. It proves the
// preview still matches the store; it is not authentication.
func Token(planHash string, headCommitID int64) string {
	head := "none"
	if headCommitID > 0 {
		head = fmt.Sprintf("%d", headCommitID)
	}
	return base64.URLEncoding.EncodeToString([]byte(planHash + ":" + head))
}

// VerifyToken checks a supplied token against the recomputed plan and head.
func VerifyToken(token, planHash string, headCommitID int64) bool {
	return token == Token(planHash, headCommitID)
}

// Chain composes the upgrader sequence from one version to another,
// validating every intermediate step exists.
func Chain(registry Registry, typeName string, fromVersion, toVersion int64) (Upgrader, error) {
	var missing []int64
	var chain []Upgrader
	for v := fromVersion; v < toVersion; v++ {
		fn, ok := registry[UpgraderKey{TypeName: typeName, FromVersion: v}]
		if !ok {
			missing = append(missing, v)
			continue
		}
		chain = append(chain, fn)
	}
	if len(missing) > 0 {
		return nil, onterr.New(onterr.KindMissingUpgrader, "chain_upgraders",
			"missing upgraders for %s: versions %v", typeName, missing).
			WithDetails(map[string]any{"type_name": typeName, "missing_versions": missing})
	}

	return func(fields map[string]any) (map[string]any, error) {
		out := fields
		for _, fn := range chain {
			var err error
			out, err = fn(out)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}, nil
}
