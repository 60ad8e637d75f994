package vmm

import (
	"testing"

	"mmboot/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   PageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       PageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagNoExecute)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if !pte.HasFlags(FlagPresent | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}

	if exp, got := FlagPresent|FlagNoExecute, pte.Flags(); got != exp {
		t.Fatalf("expected Flags() to return %x; got %x", exp, got)
	}
}

func TestMakeEntry(t *testing.T) {
	specs := []struct {
		frame    mm.Frame
		flags    PageTableEntryFlag
		expValid bool
		expLarge bool
	}{
		{0, 0, false, false},
		{1, FlagPresent | FlagRW, true, false},
		{512, FlagPresent | FlagHugePage, true, true},
		{512, FlagHugePage, false, false},
	}

	for specIndex, spec := range specs {
		pte := MakeEntry(spec.frame, spec.flags)
		if got := pte.Frame(); got != spec.frame {
			t.Errorf("[spec %d] expected frame %d; got %d", specIndex, spec.frame, got)
		}

		if got := pte.Valid(); got != spec.expValid {
			t.Errorf("[spec %d] expected Valid() to return %t; got %t", specIndex, spec.expValid, got)
		}

		if got := pte.Large(); got != spec.expLarge {
			t.Errorf("[spec %d] expected Large() to return %t; got %t", specIndex, spec.expLarge, got)
		}
	}
}
