package testutil

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	SortKeys:                true,
}

// Dump renders a value the same way for both sides of a comparison, so that diffs
// line up.
func Dump(val interface{}) string {
	return dumpConfig.Sdump(val)
}

// AssertEqualDump compares two values by their dumped representations, and on
// mismatch reports a unified diff instead of testify's one-line inequality, which is
// unreadable for nested structs.
func AssertEqualDump(t *testing.T, exp, act interface{}) bool {
	t.Helper()

	expStr := Dump(exp)
	actStr := Dump(act)
	if expStr == actStr {
		return true
	}

	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expStr),
		B:        difflib.SplitLines(actStr),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  2,
	})
	t.Errorf("Not equal:\n%s", diff)
	return false
}
