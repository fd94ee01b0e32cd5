package config

import (
	"testing"
	"time"
)

func TestTypedGettersUseEnvironment(t *testing.T) {
	t.Setenv("LABSCHED_TEST_STR", "  hello  ")
	t.Setenv("LABSCHED_TEST_INT", "42")
	t.Setenv("LABSCHED_TEST_FLOAT", "2.5")
	t.Setenv("LABSCHED_TEST_DUR", "1500ms")
	t.Setenv("LABSCHED_TEST_BOOL", "yes")

	if got := String("LABSCHED_TEST_STR", "x"); got != "hello" {
		t.Errorf("String = %q, want hello", got)
	}
	if got := Int("LABSCHED_TEST_INT", 0); got != 42 {
		t.Errorf("Int = %d, want 42", got)
	}
	if got := Float("LABSCHED_TEST_FLOAT", 0); got != 2.5 {
		t.Errorf("Float = %v, want 2.5", got)
	}
	if got := Duration("LABSCHED_TEST_DUR", 0); got != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got)
	}
	if got := Bool("LABSCHED_TEST_BOOL", false); !got {
		t.Error("Bool = false, want true")
	}
}

func TestTypedGettersFallBack(t *testing.T) {
	t.Setenv("LABSCHED_TEST_INT", "not a number")
	t.Setenv("LABSCHED_TEST_BOOL", "maybe")

	if got := String("LABSCHED_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("String = %q, want fallback", got)
	}
	if got := Int("LABSCHED_TEST_INT", 7); got != 7 {
		t.Errorf("Int = %d, want fallback 7", got)
	}
	if got := Bool("LABSCHED_TEST_BOOL", true); !got {
		t.Error("Bool = false, want fallback true")
	}
	if got := Duration("LABSCHED_TEST_UNSET", time.Second); got != time.Second {
		t.Errorf("Duration = %v, want fallback 1s", got)
	}
}
