package conversation

import "testing"

func TestParseMessageType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    MessageType
		wantErr bool
	}{
		{in: "", want: MessageText},
		{in: "text", want: MessageText},
		{in: " IMAGE ", want: MessageImage},
		{in: "file", want: MessageFile},
		{in: "mixed", want: MessageMixed},
		{in: "video", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMessageType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%q: got=%q want=%q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, DefaultPageLimit, 0},
		{-5, -1, DefaultPageLimit, 0},
		{10, 20, 10, 20},
		{MaxPageLimit + 1, 0, MaxPageLimit, 0},
	}
	for _, tt := range tests {
		l, o := NormalizePage(tt.limit, tt.offset)
		if l != tt.wantLimit || o != tt.wantOffset {
			t.Fatalf("NormalizePage(%d,%d): got=(%d,%d) want=(%d,%d)", tt.limit, tt.offset, l, o, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestDirectKey_Unordered(t *testing.T) {
	t.Parallel()

	if directKey("a", "b") != directKey("b", "a") {
		t.Fatal("direct key depends on argument order")
	}
}
