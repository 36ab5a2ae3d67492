package rabbitmq

import (
	"testing"
	"time"
)

func TestFormatTTL(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "",
		-time.Second:            "",
		1500 * time.Millisecond: "1500",
		time.Minute:             "60000",
	}
	for in, want := range cases {
		if got := formatTTL(in); got != want {
			t.Fatalf("formatTTL(%s) = %q, want %q", in, got, want)
		}
	}
}
