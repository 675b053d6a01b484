package kparam

import "testing"

func TestParseKernelArgsDefaults(t *testing.T) {
	p, err := ParseKernelArgs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.PATARO || p.AHCIRO || p.TCPDisableCC || p.SchedIPI {
		t.Fatalf("expected all-false defaults, got %+v", p)
	}
	if p.RootMajor != -1 || p.RootMinor != -1 {
		t.Fatalf("expected no root device configured, got %d:%d", p.RootMajor, p.RootMinor)
	}
}

func TestParseKernelArgsFlags(t *testing.T) {
	p, err := ParseKernelArgs([]string{"pata_ro", "sched_ipi=1", "tcp_disable_cc=0", "root=3:1"})
	if err != nil {
		t.Fatal(err)
	}
	if !p.PATARO {
		t.Fatal("bare pata_ro should imply =1")
	}
	if !p.SchedIPI {
		t.Fatal("sched_ipi=1 should enable IPIs")
	}
	if p.TCPDisableCC {
		t.Fatal("tcp_disable_cc=0 should leave congestion control enabled")
	}
	if p.RootMajor != 3 || p.RootMinor != 1 {
		t.Fatalf("root = %d:%d, want 3:1", p.RootMajor, p.RootMinor)
	}
}

func TestParseKernelArgsUnknownGoesToExtra(t *testing.T) {
	p, err := ParseKernelArgs([]string{"some_future_flag=7"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Extra["some_future_flag"] != 7 {
		t.Fatalf("expected extra flag preserved, got %+v", p.Extra)
	}
}

func TestParseKernelArgsBadRoot(t *testing.T) {
	if _, err := ParseKernelArgs([]string{"root=notanumber"}); err == nil {
		t.Fatal("expected error for malformed root")
	}
}
