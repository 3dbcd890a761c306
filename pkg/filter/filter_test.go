package filter

import (
	"testing"

	"github.com/vectorkv/vectorkv/pkg/block"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

func TestParseEqAndNe(t *testing.T) {
	set, err := Parse([]string{"lang = rs"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rsMeta := []block.MetaTag{{Key: "lang", Value: "rs"}}
	goMeta := []block.MetaTag{{Key: "lang", Value: "go"}}
	if !set.Match(rsMeta) {
		t.Errorf("lang = rs should match {lang=rs}")
	}
	if set.Match(goMeta) {
		t.Errorf("lang = rs should not match {lang=go}")
	}

	neSet, err := Parse([]string{"lang!=rs"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if neSet.Match(rsMeta) {
		t.Errorf("lang!=rs should not match {lang=rs}")
	}
	if !neSet.Match(goMeta) {
		t.Errorf("lang!=rs should match {lang=go}")
	}
}

func TestParseMalformedIsFilterParseError(t *testing.T) {
	_, err := Parse([]string{"lang =="})
	if err == nil {
		t.Fatalf("expected error for malformed filter")
	}
	if !verrors.Is(err, verrors.FilterParse) {
		t.Errorf("error kind = %v, want FilterParse", err)
	}
}

func TestEmptySetMatchesEverything(t *testing.T) {
	var set Set
	if !set.Match(nil) {
		t.Errorf("empty set should match embeddings with no metadata")
	}
	if !set.Match([]block.MetaTag{{Key: "a", Value: "b"}}) {
		t.Errorf("empty set should match any metadata")
	}
}

func TestQuotedValuePreservesWhitespace(t *testing.T) {
	set, err := Parse([]string{`note = " hi there "`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if set[0].Value != " hi there " {
		t.Errorf("quoted value = %q, want %q", set[0].Value, " hi there ")
	}
}

func TestBareValueIsTrimmed(t *testing.T) {
	set, err := Parse([]string{"lang =   rs  "})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if set[0].Value != "rs" {
		t.Errorf("bare value = %q, want %q", set[0].Value, "rs")
	}
}

func TestMissingKeyMatchesNeAndFailsEq(t *testing.T) {
	eqSet, _ := Parse([]string{"lang = rs"})
	neSet, _ := Parse([]string{"lang != rs"})
	noMeta := []block.MetaTag{{Key: "other", Value: "x"}}
	if eqSet.Match(noMeta) {
		t.Errorf("eq filter should not match when key absent")
	}
	if !neSet.Match(noMeta) {
		t.Errorf("ne filter should match when key absent")
	}
}
