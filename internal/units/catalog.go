// Package units standardizes measurement units per measurement type.
package units

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

// Conversion maps a source unit onto the canonical one:
// canonical = value*Factor + Offset.
type Conversion struct {
	From   string  `yaml:"from"`
	Factor float64 `yaml:"factor"`
	Offset float64 `yaml:"offset"`
}

// TypeSpec describes one measurement type.
type TypeSpec struct {
	Canonical   string       `yaml:"canonical"`
	Aliases     []string     `yaml:"aliases"`
	Conversions []Conversion `yaml:"conversions"`
}

// File is the YAML layout of a catalog.
type File struct {
	Types       map[string]TypeSpec `yaml:"types"`
	UnitAliases map[string]string   `yaml:"unit_aliases"`
}

type Status int

const (
	// StatusCanonical means the value was already in the canonical unit.
	StatusCanonical Status = iota
	// StatusConverted means a known conversion was applied.
	StatusConverted
	// StatusMissingUnit means no unit was given and the canonical one was assumed.
	StatusMissingUnit
	// StatusUnknownUnit means the unit is not known for the type; the value is unconverted.
	StatusUnknownUnit
	// StatusUnknownType means the catalog has no entry for the type.
	StatusUnknownType
)

// Result is the outcome of standardizing one value.
type Result struct {
	Unit   string
	Note   string
	Value  float64
	Status Status
}

type typeEntry struct {
	canonical   string
	conversions map[string]Conversion
}

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	types       map[string]*typeEntry
	typeAliases map[string]string
	unitAliases map[string]string
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse([]byte(defaultCatalog), nil)
	if err != nil {
		panic(fmt.Sprintf("units: invalid built-in catalog: %v", err))
	}
	return c
}

// LoadFile returns the built-in catalog extended and overridden by the YAML
// file at path. An empty path yields the built-in catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit catalog: %w", err)
	}
	c, err := parse(data, Default())
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit catalog %s: %w", path, err)
	}
	return c, nil
}

func parse(data []byte, base *Catalog) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	c := &Catalog{
		types:       map[string]*typeEntry{},
		typeAliases: map[string]string{},
		unitAliases: map[string]string{},
	}
	if base != nil {
		for name, e := range base.types {
			conv := make(map[string]Conversion, len(e.conversions))
			for k, v := range e.conversions {
				conv[k] = v
			}
			c.types[name] = &typeEntry{canonical: e.canonical, conversions: conv}
		}
		for k, v := range base.typeAliases {
			c.typeAliases[k] = v
		}
		for k, v := range base.unitAliases {
			c.unitAliases[k] = v
		}
	}

	for from, to := range f.UnitAliases {
		c.unitAliases[foldUnit(from)] = foldUnit(to)
	}

	for name, spec := range f.Types {
		key := domain.NormalizeType(name)
		e, ok := c.types[key]
		if !ok {
			if spec.Canonical == "" {
				return nil, fmt.Errorf("type %q has no canonical unit", name)
			}
			e = &typeEntry{conversions: map[string]Conversion{}}
			c.types[key] = e
		}
		if spec.Canonical != "" {
			e.canonical = spec.Canonical
		}
		for _, conv := range spec.Conversions {
			if conv.Factor == 0 {
				return nil, fmt.Errorf("type %q: conversion from %q has zero factor", name, conv.From)
			}
			e.conversions[c.normalizeUnit(conv.From)] = conv
		}
		for _, alias := range spec.Aliases {
			c.typeAliases[domain.NormalizeType(alias)] = key
		}
	}
	return c, nil
}

// ResolveType normalizes a measurement type label and maps known aliases
// onto their catalog name.
func (c *Catalog) ResolveType(label string) string {
	t := domain.NormalizeType(label)
	if canonical, ok := c.typeAliases[t]; ok {
		return canonical
	}
	return t
}

// CanonicalUnit returns the canonical unit of a type.
func (c *Catalog) CanonicalUnit(measurementType string) (string, bool) {
	e, ok := c.types[measurementType]
	if !ok {
		return "", false
	}
	return e.canonical, true
}

// Types lists the catalog's measurement types.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Known reports whether unit is recognised for measurementType.
func (c *Catalog) Known(measurementType, unit string) bool {
	e, ok := c.types[measurementType]
	if !ok {
		return false
	}
	nu := c.normalizeUnit(unit)
	if nu == c.normalizeUnit(e.canonical) {
		return true
	}
	_, ok = e.conversions[nu]
	return ok
}

// Standardize converts value from unit into the canonical unit of
// measurementType (already resolved). Unknown units are never dropped: the
// value passes through unconverted and the result carries a note.
func (c *Catalog) Standardize(measurementType, unit string, value float64) Result {
	unit = strings.TrimSpace(unit)

	e, ok := c.types[measurementType]
	if !ok {
		note := fmt.Sprintf("no unit catalog entry for measurement type %q; value kept as submitted", measurementType)
		return Result{Value: value, Unit: unit, Status: StatusUnknownType, Note: note}
	}

	if unit == "" {
		note := fmt.Sprintf("unit missing; assumed canonical unit %s", e.canonical)
		return Result{Value: value, Unit: e.canonical, Status: StatusMissingUnit, Note: note}
	}

	nu := c.normalizeUnit(unit)
	if nu == c.normalizeUnit(e.canonical) {
		return Result{Value: value, Unit: e.canonical, Status: StatusCanonical}
	}

	if conv, ok := e.conversions[nu]; ok {
		note := fmt.Sprintf("converted from %s to %s", unit, e.canonical)
		return Result{Value: value*conv.Factor + conv.Offset, Unit: e.canonical, Status: StatusConverted, Note: note}
	}

	note := fmt.Sprintf("unit %q is not recognised for %s (expected %s); value left unconverted", unit, measurementType, e.canonical)
	return Result{Value: value, Unit: unit, Status: StatusUnknownUnit, Note: note}
}

func (c *Catalog) normalizeUnit(u string) string {
	f := foldUnit(u)
	if alias, ok := c.unitAliases[f]; ok {
		return alias
	}
	return f
}

// foldUnit lowercases a unit spelling and removes the variations that do
// not change its meaning (spaces, degree signs, micro sign variants).
func foldUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.NewReplacer(
		" ", "",
		"°", "",
		"µ", "u",
		"μ", "u",
	).Replace(u)
	return u
}
