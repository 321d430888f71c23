package app

import "testing"

func TestMain_Dispatch(t *testing.T) {
	if code := Main([]string{"pantrysync"}); code != 2 {
		t.Fatalf("no command: exit code=%d, want 2", code)
	}
	if code := Main([]string{"pantrysync", "frobnicate"}); code != 2 {
		t.Fatalf("unknown command: exit code=%d, want 2", code)
	}
	if code := Main([]string{"pantrysync", "help"}); code != 0 {
		t.Fatalf("help: exit code=%d, want 0", code)
	}
	if code := Main([]string{"pantrysync", "version"}); code != 0 {
		t.Fatalf("version: exit code=%d, want 0", code)
	}
}
