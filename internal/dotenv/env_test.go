package dotenv

import "testing"

func TestGetFallback(t *testing.T) {
	t.Setenv("DOTENV_TEST_SET", "value")
	if got := Get("DOTENV_TEST_SET", "fallback"); got != "value" {
		t.Errorf("Get set = %q", got)
	}
	if got := Get("DOTENV_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("Get unset = %q", got)
	}
}

func TestRequire(t *testing.T) {
	t.Setenv("DOTENV_TEST_REQ", "value")
	if got, err := Require("DOTENV_TEST_REQ"); err != nil || got != "value" {
		t.Errorf("Require set = %q, %v", got, err)
	}
	if _, err := Require("DOTENV_TEST_REQ_MISSING"); err == nil {
		t.Error("Require missing variable returned no error")
	}
}

func TestIntParsing(t *testing.T) {
	t.Setenv("DOTENV_TEST_INT", "42")
	if got := Int("DOTENV_TEST_INT", 7); got != 42 {
		t.Errorf("Int = %d, want 42", got)
	}
	t.Setenv("DOTENV_TEST_INT", "not-a-number")
	if got := Int("DOTENV_TEST_INT", 7); got != 7 {
		t.Errorf("Int garbage = %d, want fallback 7", got)
	}
}

func TestBoolParsing(t *testing.T) {
	t.Setenv("DOTENV_TEST_BOOL", "true")
	if !Bool("DOTENV_TEST_BOOL", false) {
		t.Error("Bool true parsed as false")
	}
	if Bool("DOTENV_TEST_BOOL_MISSING", false) {
		t.Error("Bool missing did not fall back")
	}
}
