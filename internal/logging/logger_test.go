package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestGetReturnsNamedLogger(t *testing.T) {
	SetLogger(zap.NewNop())
	l := Get(CategoryCatalog)
	if l == nil {
		t.Fatal("Get returned nil logger")
	}
	// Same category should return the cached child.
	if Get(CategoryCatalog) != l {
		t.Error("Get did not cache the category logger")
	}
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	SetLogger(zap.NewNop())
	SetCategories(map[string]bool{"catalog": true})
	defer SetCategories(nil)

	if Get(CategoryVector) != nop {
		t.Error("disabled category should return the no-op logger")
	}
	if Get(CategoryCatalog) == nop {
		t.Error("enabled category should not be the no-op logger")
	}
}

func TestTimerStopDoesNotPanic(t *testing.T) {
	SetLogger(zap.NewNop())
	timer := StartTimer(CategoryStream, "emit")
	timer.Stop()
}
