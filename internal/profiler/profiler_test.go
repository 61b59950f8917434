package profiler

import (
	"bytes"
	"testing"
	"time"
)

func TestFileRoundTrip(t *testing.T) {
	base := time.Now()

	load := []*Profiler{New(base), New(base)}
	load[0].Add("io", base, base.Add(5*time.Millisecond))
	load[0].Add("decode", base.Add(5*time.Millisecond), base.Add(9*time.Millisecond))
	load[1].Add("io", base.Add(time.Millisecond), base.Add(3*time.Millisecond))

	eval := make([][3]*Profiler, 2)
	for pu := range eval {
		for k := range eval[pu] {
			eval[pu][k] = New(base)
		}
		eval[pu][1].Add("eval", base, base.Add(20*time.Millisecond))
	}

	save := []*Profiler{New(base)}
	save[0].Add("save", base.Add(25*time.Millisecond), base.Add(30*time.Millisecond))

	np := &NodeProfile{
		OutRank:   3,
		StartTime: base,
		EndTime:   base.Add(time.Second),
		Load:      load,
		Eval:      eval,
		Save:      save,
	}

	var buf bytes.Buffer
	if err := np.WriteFile(&buf); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	parsed, err := ReadFile(&buf)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if got, want := len(parsed.Blocks()), np.BlockCount(); got != want {
		t.Fatalf("parsed %d blocks, want %d", got, want)
	}
	if len(parsed.Load) != 2 || len(parsed.Eval) != 6 || len(parsed.Save) != 1 {
		t.Fatalf("section sizes wrong: load=%d eval=%d save=%d",
			len(parsed.Load), len(parsed.Eval), len(parsed.Save))
	}

	if parsed.StartTimeNS != base.UnixNano() {
		t.Errorf("start time = %d, want %d", parsed.StartTimeNS, base.UnixNano())
	}

	for _, b := range parsed.Blocks() {
		if b.OutRank != 3 {
			t.Errorf("block %s/%s has rank %d, want 3", b.Name, b.Subname, b.OutRank)
		}
	}

	// Eval blocks come in pre/eval/post order per PU.
	wantSubnames := []string{"pre", "eval", "post", "pre", "eval", "post"}
	for i, b := range parsed.Eval {
		if b.Name != "eval" || b.Subname != wantSubnames[i] {
			t.Errorf("eval block %d is %s/%s, want eval/%s", i, b.Name, b.Subname, wantSubnames[i])
		}
		if b.WorkerNum != int64(i/3) {
			t.Errorf("eval block %d has worker num %d, want %d", i, b.WorkerNum, i/3)
		}
	}

	if got := parsed.Load[0].Intervals; len(got) != 2 || got[0].Key != "io" || got[1].Key != "decode" {
		t.Errorf("load[0] intervals wrong: %+v", got)
	}
	iv := parsed.Load[0].Intervals[0]
	if iv.StartNS != 0 || iv.EndNS != (5*time.Millisecond).Nanoseconds() {
		t.Errorf("interval not relative to base: [%d, %d)", iv.StartNS, iv.EndNS)
	}
}

func TestEmptyProfilersStillWriteBlocks(t *testing.T) {
	base := time.Now()
	np := &NodeProfile{
		OutRank:   0,
		StartTime: base,
		EndTime:   base,
		Load:      []*Profiler{New(base)},
		Eval:      [][3]*Profiler{{New(base), New(base), New(base)}},
		Save:      []*Profiler{New(base)},
	}

	var buf bytes.Buffer
	if err := np.WriteFile(&buf); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	parsed, err := ReadFile(&buf)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if got := len(parsed.Blocks()); got != 5 {
		t.Fatalf("expected 5 blocks, got %d", got)
	}
}

func TestTimeRecordsInterval(t *testing.T) {
	p := New(time.Now())
	p.Time("work", func() {})
	ivs := p.Intervals()
	if len(ivs) != 1 || ivs[0].Key != "work" {
		t.Fatalf("unexpected intervals: %+v", ivs)
	}
	if ivs[0].EndNS < ivs[0].StartNS {
		t.Errorf("interval ends before it starts: %+v", ivs[0])
	}
}
