package buffer

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestLineFramer_Push(t *testing.T) {
	testCases := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "mixed junk and sentences",
			chunks: []string{"junk\r\n!AIVDM,1,1,,A,13aEOK?P00PD2wVMdLDRhgvL289?,0*26\n$GPRMC,123519,A\n\n"},
			want:   []string{"!AIVDM,1,1,,A,13aEOK?P00PD2wVMdLDRhgvL289?,0*26", "$GPRMC,123519,A"},
		},
		{
			name:   "line split across chunks",
			chunks: []string{"$GPG", "GA,1,2", ",3\r", "\n"},
			want:   []string{"$GPGGA,1,2,3"},
		},
		{
			name:   "trailing partial retained",
			chunks: []string{"!AIVDM,a\n!AIVDM,b"},
			want:   []string{"!AIVDM,a"},
		},
		{
			name:   "surrounding whitespace trimmed",
			chunks: []string{"   $GPGLL,x  \t\n"},
			want:   []string{"$GPGLL,x"},
		},
		{
			name:   "only blank lines",
			chunks: []string{"\n\n \r\n"},
			want:   nil,
		},
		{
			name:   "empty chunk",
			chunks: []string{""},
			want:   nil,
		},
		{
			name:   "invalid utf8 dropped",
			chunks: []string{"$GP\xffRMC\n"},
			want:   []string{"$GPRMC"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewLineFramer(0)
			var got []string
			for _, c := range tc.chunks {
				got = append(got, f.Push([]byte(c))...)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestLineFramer_DiscardedCount(t *testing.T) {
	f := NewLineFramer(0)
	f.Push([]byte("junk\r\n!AIVDM,1\n$GPRMC\n\n"))

	if f.Discarded() != 2 {
		t.Errorf("expected 2 discarded lines, got %d", f.Discarded())
	}
}

func TestLineFramer_Buffered(t *testing.T) {
	f := NewLineFramer(0)
	f.Push([]byte("$GPRMC,partial"))
	if f.Buffered() != len("$GPRMC,partial") {
		t.Errorf("expected %d buffered bytes, got %d", len("$GPRMC,partial"), f.Buffered())
	}

	f.Push([]byte("*00\n"))
	if f.Buffered() != 0 {
		t.Errorf("expected empty buffer after line feed, got %d", f.Buffered())
	}
}

func TestLineFramer_Overflow(t *testing.T) {
	t.Run("partial overflow resyncs at next line feed", func(t *testing.T) {
		f := NewLineFramer(8)
		var got []string
		got = append(got, f.Push([]byte("$GPRMC,0123"))...)
		got = append(got, f.Push([]byte("456789,more"))...)
		got = append(got, f.Push([]byte(" bytes\n$OK\n"))...)

		if !reflect.DeepEqual(got, []string{"$OK"}) {
			t.Errorf("expected [$OK], got %q", got)
		}
		if f.Overflowed() != 1 {
			t.Errorf("expected 1 overflow, got %d", f.Overflowed())
		}
		if f.Buffered() != 0 {
			t.Errorf("expected no buffered bytes, got %d", f.Buffered())
		}
	})

	t.Run("complete overlong line dropped", func(t *testing.T) {
		f := NewLineFramer(8)
		got := f.Push([]byte("$GPRMC,0123456789\n$OK\n"))
		if !reflect.DeepEqual(got, []string{"$OK"}) {
			t.Errorf("expected [$OK], got %q", got)
		}
	})

	t.Run("zero disables the guard", func(t *testing.T) {
		f := NewLineFramer(0)
		long := "$" + strings.Repeat("A", 100000)
		got := f.Push([]byte(long + "\n"))
		if len(got) != 1 || got[0] != long {
			t.Errorf("expected the long line to pass through")
		}
	})
}

func TestAccept(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"!AIVDM", "!AIVDM", true},
		{"$GPRMC", "$GPRMC", true},
		{"  $GPRMC \r", "$GPRMC", true},
		{"GPRMC", "", false},
		{"", "", false},
		{"   ", "", false},
		{"#comment", "", false},
	}

	for _, tt := range tests {
		got, ok := Accept(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Accept(%q) = (%q, %v), expected (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

// splitAt cuts data at the given offsets (taken modulo len+1, sorted by the caller's order).
func splitAt(data []byte, cuts []int) [][]byte {
	var chunks [][]byte
	prev := 0
	for _, c := range cuts {
		if len(data) == 0 {
			break
		}
		pos := c % (len(data) + 1)
		if pos <= prev {
			continue
		}
		chunks = append(chunks, data[prev:pos])
		prev = pos
	}
	return append(chunks, data[prev:])
}

func pushAll(f *LineFramer, chunks [][]byte) []string {
	var out []string
	for _, c := range chunks {
		out = append(out, f.Push(c)...)
	}
	return out
}

// Property: re-chunking a stream never changes the frames it yields.
func TestLineFramerChunkingInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	lineGen := gen.OneGenOf(
		gen.AlphaString().Map(func(s string) string { return "!AIVDM," + s }),
		gen.AlphaString().Map(func(s string) string { return "$GPRMC," + s }),
		gen.AnyString(),
		gen.Const(""),
		gen.Const("  \r"),
	)
	endingGen := gen.OneConstOf("\n", "\r\n", "")

	streamGen := gen.SliceOf(gopter.CombineGens(lineGen, endingGen).Map(func(v []interface{}) string {
		return v[0].(string) + v[1].(string)
	})).Map(func(parts []string) []byte {
		return []byte(strings.Join(parts, ""))
	})

	cutsGen := gen.SliceOf(gen.IntRange(0, 4096))

	properties.Property("unbounded framer is chunking invariant", prop.ForAll(
		func(data []byte, cuts []int) bool {
			whole := pushAll(NewLineFramer(0), [][]byte{data})
			chunked := pushAll(NewLineFramer(0), splitAt(data, cuts))
			return reflect.DeepEqual(whole, chunked)
		},
		streamGen,
		cutsGen,
	))

	properties.Property("bounded framer is chunking invariant", prop.ForAll(
		func(data []byte, cuts []int, maxLen int) bool {
			whole := pushAll(NewLineFramer(maxLen), [][]byte{data})
			chunked := pushAll(NewLineFramer(maxLen), splitAt(data, cuts))
			return reflect.DeepEqual(whole, chunked)
		},
		streamGen,
		cutsGen,
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

// Property: a frame is emitted iff its trimmed form is non-empty and starts with '!' or '$'.
func TestLineFramerAcceptanceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("every emitted frame is a trimmed sentence", prop.ForAll(
		func(lines []string) bool {
			f := NewLineFramer(0)
			frames := f.Push([]byte(strings.Join(lines, "\n") + "\n"))
			for _, fr := range frames {
				if fr == "" || (fr[0] != '!' && fr[0] != '$') || fr != strings.TrimSpace(fr) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("sentence lines are all forwarded in order", prop.ForAll(
		func(bodies []string) bool {
			f := NewLineFramer(0)
			var b strings.Builder
			want := make([]string, 0, len(bodies))
			for i, body := range bodies {
				marker := "$"
				if i%2 == 0 {
					marker = "!"
				}
				line := marker + body
				want = append(want, line)
				b.WriteString(line + "\r\nnoise\n\n")
			}
			got := f.Push([]byte(b.String()))
			if len(want) == 0 {
				return len(got) == 0
			}
			return reflect.DeepEqual(got, want)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
