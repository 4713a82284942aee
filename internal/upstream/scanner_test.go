package upstream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// fragmentedReader yields the input in caller-chosen fragment sizes,
// simulating arbitrary network segmentation.
type fragmentedReader struct {
	data  []byte
	sizes []int
	pos   int
	call  int
}

func (r *fragmentedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	size := 1
	if r.call < len(r.sizes) {
		size = r.sizes[r.call]
	} else if len(r.sizes) > 0 {
		size = r.sizes[len(r.sizes)-1]
	}
	r.call++
	if size > len(p) {
		size = len(p)
	}
	if r.pos+size > len(r.data) {
		size = len(r.data) - r.pos
	}
	n := copy(p, r.data[r.pos:r.pos+size])
	r.pos += n
	return n, nil
}

func collectEvents(t *testing.T, sc *Scanner) ([]*Event, error) {
	t.Helper()
	var events []*Event
	for {
		ev, err := sc.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

const sampleStream = "data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"thinking\",\"delta_content\":\"héllo\"}}\n" +
	"\n" +
	": keepalive comment\n" +
	"data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\"wörld\"}}\n" +
	"data: not json at all\n" +
	"data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"done\",\"done\":true}}\n" +
	"data: [DONE]\n"

func TestScannerFragmentationIndependence(t *testing.T) {
	fragmentations := [][]int{
		{1},          // byte at a time, splits multi-byte runes
		{2},          // splits the two-byte runes differently
		{7},          // splits records mid-token
		{64},         // several records per read
		{len(sampleStream)}, // all at once
	}

	var want []*Event
	for i, sizes := range fragmentations {
		sc := NewScanner(&fragmentedReader{data: []byte(sampleStream), sizes: sizes}, 0)
		events, err := collectEvents(t, sc)
		if !errors.Is(err, ErrStreamDone) {
			t.Fatalf("fragmentation %d: final err = %v, want ErrStreamDone", i, err)
		}
		if i == 0 {
			want = events
			if len(want) != 3 {
				t.Fatalf("fragmentation %d: %d events, want 3", i, len(want))
			}
			continue
		}
		if len(events) != len(want) {
			t.Fatalf("fragmentation %d: %d events, want %d", i, len(events), len(want))
		}
		for j := range events {
			if events[j].Data.Phase != want[j].Data.Phase ||
				events[j].Data.DeltaContent != want[j].Data.DeltaContent {
				t.Errorf("fragmentation %d event %d = %+v, want %+v",
					i, j, events[j].Data, want[j].Data)
			}
		}
	}
}

func TestScannerEOFWithoutDone(t *testing.T) {
	input := "data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\"hi\"}}\n"
	sc := NewScanner(strings.NewReader(input), 0)

	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Data.DeltaContent != "hi" {
		t.Errorf("DeltaContent = %q, want hi", ev.Data.DeltaContent)
	}
	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("final err = %v, want io.EOF", err)
	}
}

func TestScannerFinalLineWithoutNewline(t *testing.T) {
	input := "data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\"tail\"}}"
	sc := NewScanner(strings.NewReader(input), 0)

	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Data.DeltaContent != "tail" {
		t.Errorf("DeltaContent = %q, want tail", ev.Data.DeltaContent)
	}
}

func TestScannerOversizedRecordDiscarded(t *testing.T) {
	huge := "data: {\"type\":\"chat:completion\",\"data\":{\"delta_content\":\"" +
		strings.Repeat("x", 4096) + "\"}}\n"
	after := "data: {\"type\":\"chat:completion\",\"data\":{\"phase\":\"answer\",\"delta_content\":\"ok\"}}\n"

	sc := NewScanner(strings.NewReader(huge+after), 1024)
	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ev.Data.DeltaContent != "ok" {
		t.Errorf("DeltaContent = %q, want ok (oversized record should be dropped)", ev.Data.DeltaContent)
	}
}

func TestScannerSkipsNonDataRecords(t *testing.T) {
	input := "event: ping\n" +
		"garbage line\n" +
		"data: \n" +
		"data: [DONE]\n"
	sc := NewScanner(strings.NewReader(input), 0)
	events, err := collectEvents(t, sc)
	if !errors.Is(err, ErrStreamDone) {
		t.Fatalf("final err = %v, want ErrStreamDone", err)
	}
	if len(events) != 0 {
		t.Errorf("%d events, want 0", len(events))
	}
}

func TestEventErrorInfo(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		detail  string
	}{
		{"top level", `{"error":{"detail":"boom"}}`, "boom"},
		{"data level", `{"data":{"error":{"detail":"mid"}}}`, "mid"},
		{"inner level", `{"data":{"data":{"error":{"detail":"deep"}}}}`, "deep"},
		{"none", `{"data":{"phase":"answer"}}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tc.payload))
			if err != nil {
				t.Fatalf("DecodeEvent error: %v", err)
			}
			info := ev.ErrorInfo()
			if tc.detail == "" {
				if info != nil {
					t.Errorf("ErrorInfo() = %+v, want nil", info)
				}
				return
			}
			if info == nil || info.Detail != tc.detail {
				t.Errorf("ErrorInfo() = %+v, want detail %q", info, tc.detail)
			}
		})
	}
}
